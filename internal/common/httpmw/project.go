package httpmw

import "github.com/gin-gonic/gin"

// DefaultProject scopes requests that name no project. Single-tenant
// deployments never need to send a project id at all.
const DefaultProject = "default"

// ProjectHeader carries the project scope of a request.
const ProjectHeader = "X-Project-ID"

// ProjectID resolves the project scope of a request: the X-Project-ID
// header wins, then the project query parameter, then the default.
func ProjectID(c *gin.Context) string {
	if id := c.GetHeader(ProjectHeader); id != "" {
		return id
	}
	if id := c.Query("project"); id != "" {
		return id
	}
	return DefaultProject
}
