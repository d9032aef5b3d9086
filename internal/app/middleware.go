package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/observability"
	"github.com/gatehouse-iam/gatehouse/internal/rbac"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

// Guard and tenant request headers resolved by the middleware stack.
const (
	HeaderGuard  = "X-Guard"
	HeaderTenant = "X-Tenant-ID"
	HeaderLocale = "Accept-Language"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Guards  *guard.Resolver
	Tenants *tenancy.Resolver
	Locales *rbac.LocalePolicy
	Metrics *observability.Metrics
}

// MiddlewareStack installs the Gatehouse middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	// Resolves the request guard from the X-Guard header and rejects
	// unknown guards before any handler runs.
	guardMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g := r.Header.Get(HeaderGuard)
			if g == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx, err := cfg.Guards.WithGuard(r.Context(), g)
			if err != nil {
				cfg.Logger.Warn("unknown guard", slog.String("guard", g))
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// Resolves the tenant once per request and pins the scope in context.
	// Storage scoping reads the pinned scope, never the resolver, so the
	// tenant stays stable for the lifetime of the request.
	tenantMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := r.Header.Get(HeaderTenant); id != "" {
				ctx = tenancy.WithAmbientTenant(ctx, id)
			}
			ctx = tenancy.WithScope(ctx, cfg.Tenants.Resolve(ctx))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	localeMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderLocale)
			// Accept-Language may carry a weighted list; the first entry
			// is the preferred locale.
			if i := strings.IndexAny(raw, ",;"); i >= 0 {
				raw = raw[:i]
			}
			ctx := rbac.WithLocale(r.Context(), cfg.Locales.Normalize(strings.TrimSpace(raw)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	rateLimit := 120
	if cfg.Config != nil && cfg.Config.RateLimit > 0 {
		rateLimit = cfg.Config.RateLimit
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		guardMiddleware,
		tenantMiddleware,
		localeMiddleware,
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}
