package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy configures WithCORS. Origins are exact ("https://portal.clinic.example"), "*", or
// a single-label wildcard ("https://*.clinic.example").
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

var defaultExposed = []string{RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"}

// WithCORS is a no-op when no origins are configured. Preflights from unknown origins get 403
// and never reach the handler.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := compileOrigins(cfg.AllowedOrigins)
	if len(origins) == 0 {
		return nil
	}
	methods := strings.Join(trimAll(cfg.AllowedMethods), ", ")
	headers := strings.Join(trimAll(cfg.AllowedHeaders), ", ")
	exposed := strings.Join(append(trimAll(cfg.ExposedHeaders), defaultExposed...), ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			allow, ok := origins.match(origin, cfg.AllowCredentials)
			if !ok {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", allow)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				h.Set("Access-Control-Expose-Headers", exposed)
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

type originPattern struct {
	any    bool
	exact  string
	scheme string // with "://"
	suffix string // with leading "."
}

type originSet []originPattern

func compileOrigins(raw []string) originSet {
	var out originSet
	for _, o := range trimAll(raw) {
		o = strings.ToLower(strings.TrimRight(o, "/"))
		switch {
		case o == "*":
			out = append(out, originPattern{any: true})
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			out = append(out, originPattern{scheme: scheme + "://", suffix: host})
		default:
			out = append(out, originPattern{exact: o})
		}
	}
	return out
}

// match returns the Access-Control-Allow-Origin value for origin. A "*" policy echoes the origin
// when credentials are allowed because browsers reject "*" with credentials.
func (s originSet) match(origin string, credentials bool) (string, bool) {
	o := strings.ToLower(origin)
	for _, p := range s {
		switch {
		case p.any:
			if credentials {
				return origin, true
			}
			return "*", true
		case p.exact != "":
			if o == p.exact {
				return origin, true
			}
		default:
			rest, ok := strings.CutPrefix(o, p.scheme)
			if !ok || !strings.HasSuffix(rest, p.suffix) {
				continue
			}
			label := strings.TrimSuffix(rest, p.suffix)
			if label != "" && !strings.ContainsAny(label, ".:/") {
				return origin, true
			}
		}
	}
	return "", false
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
