package api

import (
	"html/template"
	"log/slog"
	"net/http"
)

const elementsVersion = "9.0.0"

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@{{.Version}}/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@{{.Version}}/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0;">
  <elements-api apiDescriptionUrl="{{.SpecURL}}" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" darkMode />
</body>
</html>`))

// docsHandler serves a Stoplight Elements page for the OpenAPI document at
// specURL.
func docsHandler(title, specURL string) http.HandlerFunc {
	data := struct{ Title, Version, SpecURL string }{title, elementsVersion, specURL}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsTmpl.Execute(w, data); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	}
}
