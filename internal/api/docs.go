package api

import (
	"bytes"
	"html/template"
)

type docsPage struct {
	Title     string
	SpecURL   string
	EventsURL string
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width, initial-scale=1" />
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" />
<script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; display: flex; flex-direction: column;">
{{- if .EventsURL}}
<p style="margin: 0; padding: 6px 12px; font: 13px sans-serif; background: #1f2430; color: #cbd5e1;">
Tab events: <code>GET <a style="color: #93c5fd;" href="{{.EventsURL}}">{{.EventsURL}}</a></code> (server-sent events, <code>?feeds=updated,activated</code>)
</p>
{{- end}}
<elements-api style="flex: 1;" apiDescriptionUrl="{{.SpecURL}}" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" darkMode />
</body>
</html>`))

func renderDocs(page docsPage) []byte {
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, page); err != nil {
		return []byte(err.Error())
	}
	return buf.Bytes()
}
