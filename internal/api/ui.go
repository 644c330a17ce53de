package api

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"mediarelay/internal/task"
)

const uiHistoryLength = 10

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"bytes": func(n int64) string {
		if n <= 0 {
			return ""
		}
		return humanize.Bytes(uint64(n))
	},
	"ago": humanize.Time,
}).Parse(`{{define "header"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>mediarelay</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.danger{background:#b3261e}
    input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;flex:1}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1><a href="/ui">mediarelay</a></h1>
    <div class="muted">Fetch, split and relay media. Refresh the page to follow progress.</div>
  </header>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
{{end}}

{{define "footer"}}
  <footer>
    <div>API base: <span class="mono">/api/v1</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "header" .}}
  <div class="card">
    <h2>New task</h2>
    <form method="post" action="/ui/tasks">
      <div class="row">
        <input type="text" name="url" placeholder="https://host/video" required />
        <button class="btn" type="submit">Start</button>
      </div>
    </form>
    <div class="muted">POST /api/v1/tasks</div>
  </div>

  <div class="card">
    <h2>Open existing task</h2>
    <form method="get" action="/ui/tasks">
      <div class="row">
        <input type="text" name="id" placeholder="Task ID" required />
        <button class="btn" type="submit">Open</button>
      </div>
    </form>
  </div>

  <div class="card">
    <h2>Slots {{.Admin.ActiveCount}} / {{.Admin.Limit}}</h2>
    {{if .Admin.Active}}
    <h3>Active</h3>
    <ul class="list">{{range .Admin.Active}}<li><a class="mono" href="/ui/tasks/{{.}}">{{.}}</a></li>{{end}}</ul>
    {{end}}
    {{if .Admin.Queued}}
    <h3>Queued</h3>
    <ol class="list">{{range .Admin.Queued}}<li><a class="mono" href="/ui/tasks/{{.}}">{{.}}</a></li>{{end}}</ol>
    {{end}}
    {{if not (or .Admin.Active .Admin.Queued)}}<div class="muted">Idle</div>{{end}}
  </div>

  <div class="card">
    <h2>Recent completions</h2>
    {{if .History}}
    <ul class="list">
    {{range .History}}
      <li>
        <div><a href="/ui/tasks/{{.TaskID}}">{{if .Title}}{{.Title}}{{else}}{{.TaskID}}{{end}}</a> <span class="muted">{{bytes .SizeBytes}} · {{ago .CompletedAt}}</span></div>
        {{range .Links}}<div class="mono"><a href="{{.}}">{{.}}</a></div>{{end}}
      </li>
    {{end}}
    </ul>
    {{else}}
    <div class="muted">Nothing completed yet</div>
    {{end}}
  </div>
  {{template "footer"}}
{{end}}

{{define "task"}}
  {{template "header" .}}
  <div class="card">
    <h2>Task <span class="mono">{{.Task.ID}}</span></h2>
    <div class="mono muted">{{.Task.SourceURL}}</div>
    {{if .Task.Title}}<div>Title: <strong>{{.Task.Title}}</strong> <span class="muted">{{bytes .Task.SizeBytes}}</span></div>{{end}}
    <div>Status: <span class="status">{{.Task.State}}</span>{{if .Position}} <span class="muted">position {{.Position}} in queue</span>{{end}}</div>
    {{if .Task.Error}}<div style="color:#b3261e">{{.Task.Error}}</div>{{end}}
    <div class="muted">Created {{ago .Task.CreatedAt}}</div>
    {{if not .Task.State.IsTerminal}}
    <form method="post" action="/ui/tasks/{{.Task.ID}}/cancel" style="margin-top:12px">
      <button class="btn danger" type="submit">Cancel</button>
      <a class="btn" href="/ui/tasks/{{.Task.ID}}" style="margin-left:8px">Refresh</a>
    </form>
    {{end}}
  </div>

  <div class="card">
    <h3>Links</h3>
    {{if .Task.Outputs}}
    <ol class="list">{{range .Task.Outputs}}<li class="mono"><a href="{{.}}">{{.}}</a></li>{{end}}</ol>
    {{if .Task.Partial}}<div class="muted">Partial delivery: later segments failed</div>{{end}}
    {{else}}
    <div class="muted">No links yet</div>
    {{end}}
  </div>

  <div class="card">
    <h3>Progress</h3>
    {{if .Task.ProgressLog}}
    <ul class="list">
    {{range .Task.ProgressLog}}
      <li><span class="mono muted">{{.Timestamp.Format "15:04:05"}}</span> <span class="status">{{.Stage}}</span> {{.Message}}</li>
    {{end}}
    </ul>
    {{else}}
    <div class="muted">Waiting for a free slot</div>
    {{end}}
  </div>
  {{template "footer"}}
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/ui", a.UIHome)
	router.GET("/ui/tasks", a.UIOpenExisting)
	router.POST("/ui/tasks", a.UICreateTask)
	router.GET("/ui/tasks/:id", a.UITask)
	router.POST("/ui/tasks/:id/cancel", a.UICancelTask)
}

// UIHome renders the home page
func (a *API) UIHome(c *gin.Context) { a.renderHome(c, http.StatusOK, "") }

func (a *API) renderHome(c *gin.Context, status int, errMsg string) {
	c.HTML(status, "home", gin.H{
		"Error":   errMsg,
		"Admin":   a.taskManager.Snapshot(),
		"History": a.historyList(uiHistoryLength),
	})
}

// UIOpenExisting redirects to the task page by id
func (a *API) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/ui")
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}

// UICreateTask creates a task and redirects to its page
func (a *API) UICreateTask(c *gin.Context) {
	created, err := a.taskManager.Enqueue(c.PostForm("url"))
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+created.ID)
}

// UITask renders a task page
func (a *API) UITask(c *gin.Context) {
	id := c.Param("id")
	rec, err := a.taskManager.GetTask(id)
	if err != nil {
		a.renderHome(c, http.StatusNotFound, "task not found")
		return
	}
	c.HTML(http.StatusOK, "task", gin.H{
		"Task":     rec,
		"Position": a.taskManager.QueuePosition(id),
	})
}

// UICancelTask cancels a task and returns to its page
func (a *API) UICancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.taskManager.Cancel(id); err != nil && !errors.Is(err, task.ErrTerminal) {
		a.renderHome(c, http.StatusNotFound, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}
