package principal

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Request-scoped key under which the auth middleware leaves the caller.
const requestKey = "procd.principal"

// SetPrincipal records who is driving this API request.
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(requestKey, p)
}

// GetPrincipal returns the caller recorded by the auth middleware; nil on
// routes that skip it.
func GetPrincipal(c *gin.Context) *Principal {
	v, ok := c.Get(requestKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// AuditFields names the caller on logs of process-control actions
// (terminate, delete). Unauthenticated requests log as anonymous.
func AuditFields(c *gin.Context) []zap.Field {
	p := GetPrincipal(c)
	if p == nil {
		return []zap.Field{zap.String("actor", ""), zap.Stringer("actor_kind", Anonymous)}
	}
	return []zap.Field{zap.String("actor", p.ID), zap.Stringer("actor_kind", p.PrincipalType)}
}
