package registry

import "context"

type ConfigurationValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type Configuration struct {
	t Doer
}

func (c *Configuration) List(ctx context.Context, opts ListOptions) ([]ConfigurationValue, error) {
	return list[ConfigurationValue](ctx, c.t, "configuration.list", "/configuration", opts)
}

// Get returns only the value of a configuration entry.
func (c *Configuration) Get(ctx context.Context, id string) (string, error) {
	var out ConfigurationValue
	if err := get(ctx, c.t, "configuration.get", "/configuration/"+escape(id), &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *Configuration) Set(ctx context.Context, id, value string) error {
	return update(ctx, c.t, "configuration.set", "/configuration/"+escape(id), map[string]string{"value": value})
}

func (c *Configuration) Remove(ctx context.Context, id string) error {
	return remove(ctx, c.t, "configuration.remove", "/configuration/"+escape(id))
}
