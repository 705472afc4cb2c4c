package login

import "html/template"

type pageData struct {
	ClientName string
	PendingID  string
	Ticket     string
	Identity   string
	Error      string
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Sign in</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #f5f5f5; margin: 0; }
    main { max-width: 380px; margin: 10vh auto; background: #fff; padding: 2rem; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.1); }
    h1 { font-size: 1.25rem; margin-top: 0; }
    label { display: block; margin: 1rem 0 .25rem; font-size: .9rem; }
    input[type=text], input[type=email], input[type=password] { width: 100%; box-sizing: border-box; padding: .5rem; }
    button { margin-top: 1.5rem; width: 100%; padding: .6rem; }
    .error { color: #b00020; font-size: .9rem; }
  </style>
</head>
<body>
<main>
{{- if .PendingID }}
  <h1>Sign in{{ if .ClientName }} to continue to {{ .ClientName }}{{ end }}</h1>
  {{- if .Error }}
  <p class="error" role="alert">{{ .Error }}</p>
  {{- end }}
  <form method="post">
    <input type="hidden" name="pending_id" value="{{ .PendingID }}">
    <input type="hidden" name="ticket" value="{{ .Ticket }}">
    <label for="identity">Email</label>
    <input id="identity" type="email" name="identity" value="{{ .Identity }}" autocomplete="username" required>
    <label for="credential">API key</label>
    <input id="credential" type="password" name="credential" autocomplete="off" required>
    <button type="submit">Authorize</button>
  </form>
{{- else }}
  <h1>Authorization failed</h1>
  <p class="error" role="alert">{{ .Error }}</p>
{{- end }}
</main>
</body>
</html>
`))
