package middleware

import (
	"log/slog"
	"net/http"

	"lazybatch/internal/logging"
	"lazybatch/internal/resolver"
)

// UnitOfWorkMiddleware opens one unit of work per request and completes it
// after the handler returns. Handlers reach it with resolver.FromContext.
// The unit of work reuses the request ID so its logs correlate.
func UnitOfWorkMiddleware(engine *resolver.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := logging.FromContext(ctx)
			u := engine.NewUnitOfWork(
				resolver.WithID(logging.GetRequestID(ctx)),
				resolver.WithLogger(logger),
			)
			defer func() {
				m := u.Complete()
				logger.Debug("unit of work closed",
					slog.String("unit_of_work", m.ID),
					slog.Int("queries", m.Queries()),
					slog.Int64("queries_saved", m.QueriesSaved),
				)
			}()

			next.ServeHTTP(w, r.WithContext(resolver.WithUnitOfWork(ctx, u)))
		})
	}
}
