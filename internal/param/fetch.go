package param

import (
	"context"
	"fmt"
	"strings"
)

type Fetcher interface {
	Fetch(context.Context, string) (string, error)
}

// Resolve returns value when it is set, otherwise the parameter stored at
// path. Neither being set is an error naming env.
func Resolve(ctx context.Context, f Fetcher, env, value, path string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s or %s_PARAM must be set", env, env)
	}
	if f == nil {
		return "", fmt.Errorf("%s_PARAM is set but no parameter store is configured", env)
	}
	v, err := f.Fetch(ctx, path)
	if err != nil {
		return "", fmt.Errorf("fetch %s from %s: %w", env, path, err)
	}
	return strings.TrimSpace(v), nil
}
