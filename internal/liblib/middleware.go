package liblib

import (
	"net/http"
	"strings"

	"github.com/dmorgan81/liblibbot/internal/signature"
	"golang.org/x/time/rate"
)

// Doer sends a single HTTP request.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type DoerFunc func(*http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps a Doer.
type Middleware func(Doer) Doer

// Chain applies middlewares so that the first one runs outermost.
func Chain(d Doer, mws ...Middleware) Doer {
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}

// Sign attaches AccessKey, Timestamp, SignatureNonce and Signature to the
// query string. The signed path is the request path with basePath removed.
func Sign(creds Credentials, basePath string) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			path := strings.TrimPrefix(req.URL.Path, basePath)
			sig := signature.Generate(path, creds.SecretKey)

			q := req.URL.Query()
			q.Set("AccessKey", creds.AccessKey)
			q.Set("Timestamp", sig.Timestamp)
			q.Set("SignatureNonce", sig.Nonce)
			q.Set("Signature", sig.Signature)
			req.URL.RawQuery = q.Encode()

			return next.Do(req)
		})
	}
}

// Limit blocks until limiter admits the request.
func Limit(limiter *rate.Limiter) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if err := limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
			return next.Do(req)
		})
	}
}

// Headers sets static headers on every request.
func Headers(headers map[string]string) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			return next.Do(req)
		})
	}
}
