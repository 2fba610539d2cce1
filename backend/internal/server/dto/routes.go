// API route declarations. Server registers its mux from this list, so a route
// missing here is not served.
package dto

// Route describes a single API endpoint.
type Route struct {
	Name     string // Handler name, e.g. "createTask"
	Method   string // "GET" or "POST"
	Path     string // "/api/v1/tasks/{id}/input"
	ReqType  string // Request type name or "" for no body
	RespType string // Response type name
	IsArray  bool   // response is T[] not T
	IsSSE    bool   // SSE stream, not JSON
	IsWS     bool   // websocket upgrade
}

// Routes is the authoritative list of API endpoints.
var Routes = []Route{
	{Name: "listProjects", Method: "GET", Path: "/api/v1/projects", RespType: "Project", IsArray: true},
	{Name: "createProject", Method: "POST", Path: "/api/v1/projects", ReqType: "CreateProjectReq", RespType: "Project"},
	{Name: "getProject", Method: "GET", Path: "/api/v1/projects/{id}", RespType: "Project"},
	{Name: "listProjectTasks", Method: "GET", Path: "/api/v1/projects/{id}/tasks", RespType: "Task", IsArray: true},
	{Name: "projectDiff", Method: "GET", Path: "/api/v1/projects/{id}/diff", RespType: "DiffResp"},
	{Name: "createTask", Method: "POST", Path: "/api/v1/tasks", ReqType: "CreateTaskReq", RespType: "Task"},
	{Name: "getTask", Method: "GET", Path: "/api/v1/tasks/{id}", RespType: "Task"},
	{Name: "taskThread", Method: "GET", Path: "/api/v1/tasks/{id}/thread", RespType: "Thread"},
	{Name: "followupTask", Method: "POST", Path: "/api/v1/tasks/{id}/followup", ReqType: "FollowupReq", RespType: "Task"},
	{Name: "stopTask", Method: "POST", Path: "/api/v1/tasks/{id}/stop", RespType: "StatusResp"},
	{Name: "sendInput", Method: "POST", Path: "/api/v1/tasks/{id}/input", ReqType: "InputReq", RespType: "StatusResp"},
	{Name: "taskLogs", Method: "GET", Path: "/api/v1/tasks/{id}/logs", IsSSE: true},
	{Name: "terminal", Method: "GET", Path: "/api/v1/terminal", IsWS: true},
}
