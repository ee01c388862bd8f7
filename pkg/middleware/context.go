package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/context"
)

// HeaderTenantID carries the broker tenant; authentication happens upstream of this service.
const HeaderTenantID = "X-Tenant-ID"

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := context.SetRequestID(req.Context(), requestID)
			ctx = context.SetTenantID(ctx, req.Header.Get(HeaderTenantID))

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
