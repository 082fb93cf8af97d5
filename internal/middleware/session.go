package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-portal/internal/response"
	"github.com/stemsi/exstem-portal/internal/service"
)

// CheckSingleDeviceSession validates the JWT's JTI against the active
// session in Redis. A mismatch means the student logged in elsewhere or the
// session was invalidated after an upstream 401 — either way the request is
// rejected and the client must log in again. The intended path is attached
// so the login page can return the student to where they were.
func CheckSingleDeviceSession(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if err := authService.ValidateStudentSession(c.Request.Context(), claims.UserID, claims.ID); err != nil {
			response.AbortFailWithFields(c, http.StatusUnauthorized, response.ErrSessionInvalidated,
				map[string]string{"return_to": c.Request.URL.RequestURI()})
			return
		}

		c.Next()
	}
}
