package transport

import (
	"net/http"
	"sort"
	"strings"
)

// CurlCommand renders an equivalent curl invocation for debug logs. The auth
// token is masked.
func CurlCommand(method, url string, header http.Header, body []byte) string {
	var b strings.Builder
	b.WriteString("curl -i -X ")
	b.WriteString(method)

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range header[k] {
			if http.CanonicalHeaderKey(k) == "X-Auth-Token" && v != "" {
				v = "***"
			}
			b.WriteString(" -H ")
			b.WriteString(shellQuote(k + ": " + v))
		}
	}
	if len(body) > 0 {
		b.WriteString(" --data-binary ")
		b.WriteString(shellQuote(string(body)))
	}
	b.WriteString(" ")
	b.WriteString(shellQuote(url))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
