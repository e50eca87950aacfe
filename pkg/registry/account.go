package registry

import (
	"context"
	"encoding/json"
)

// Limits is the account limits document. Its shape belongs to the server, so
// it is kept raw per section.
type Limits struct {
	Resource map[string]json.RawMessage `json:"resource"`
	Rate     map[string]json.RawMessage `json:"rate"`
}

type Account struct {
	t Doer
}

func (a *Account) Limits(ctx context.Context) (*Limits, error) {
	var out Limits
	if err := get(ctx, a.t, "account.limits", "/limits", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
