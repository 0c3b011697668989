package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var scheduleTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/schedule.html")
	if err != nil {
		scheduleTemplate = template.Must(template.New("schedule").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	scheduleTemplate = template.Must(template.New("schedule").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for schedule template rendering
type TemplateData struct {
	Title       string
	Year        int
	GeneratedAt time.Time
	Groups      []TemplateGroup
}

// TemplateGroup is one activity group section of the schedule
type TemplateGroup struct {
	Name  string
	Color string
	Items []TemplateItem
}

// TemplateItem is one schedule row
type TemplateItem struct {
	Name        string
	StartDate   string
	EndDate     string
	Ring        string
	Label       string
	Time        string
	Description string
}

// RenderScheduleHTML renders the schedule template with provided data
func RenderScheduleHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := scheduleTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} {{.Year}}</title>
</head>
<body>
  <h1>{{.Title}} {{.Year}}</h1>
  {{range .Groups}}
  <h2>{{.Name}}</h2>
  <ul>
  {{range .Items}}<li>{{.Name}} ({{.StartDate}} to {{.EndDate}})</li>{{end}}
  </ul>
  {{end}}
</body>
</html>`
