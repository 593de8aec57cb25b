package authbroker

// enrollmentFormHTML is the manual-path enrollment page. It renders one
// input per schema field and submits the form as JSON to POST /authorize,
// echoing the CSRF token from the hidden field.
const enrollmentFormHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Connect {{.Schema.Name}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 480px; margin: 3rem auto; padding: 0 1rem; color: #1a1a1a; }
h1 { font-size: 1.3rem; }
label { display: block; margin-top: 1rem; font-weight: 600; }
input { width: 100%; padding: 0.5rem; margin-top: 0.25rem; border: 1px solid #bbb; border-radius: 4px; box-sizing: border-box; }
button { margin-top: 1.5rem; padding: 0.6rem 1.4rem; border: none; border-radius: 4px; background: #1a73e8; color: #fff; font-size: 1rem; cursor: pointer; }
.error { color: #b00020; margin-top: 1rem; }
</style>
</head>
<body>
<h1>Connect {{.Schema.Name}}</h1>
<form id="enroll">
{{range .Schema.Fields}}
<label for="f-{{.Name}}">{{if .Label}}{{.Label}}{{else}}{{.Name}}{{end}}{{if .Required}} *{{end}}</label>
<input id="f-{{.Name}}" name="{{.Name}}" {{if .Sensitive}}type="password"{{else}}type="text"{{end}} {{if .Required}}required{{end}}>
{{end}}
<input type="hidden" id="csrf" value="{{.CSRFToken}}">
<button type="submit">Authorize</button>
<p class="error" id="err" hidden></p>
</form>
<script>
const params = {
  client_id: {{.ClientID}},
  redirect_uri: {{.RedirectURI}},
  code_challenge: {{.CodeChallenge}},
  code_challenge_method: {{.CodeChallengeMethod}},
  state: {{.State}}
};
document.getElementById("enroll").addEventListener("submit", async (e) => {
  e.preventDefault();
  const config = {};
  for (const input of e.target.querySelectorAll("input[name]")) {
    if (input.value !== "") config[input.name] = input.value;
  }
  const body = Object.assign({}, params, {
    config: config,
    csrf_token: document.getElementById("csrf").value
  });
  const resp = await fetch("/authorize", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify(body)
  });
  const data = await resp.json();
  if (resp.ok && data.redirectUrl) {
    window.location.assign(data.redirectUrl);
  } else {
    const err = document.getElementById("err");
    err.textContent = data.error_description || "authorization failed";
    err.hidden = false;
  }
});
</script>
</body>
</html>
`

// errorPageHTML is the browser-facing error page for callback failures.
const errorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization Failed</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 480px; margin: 3rem auto; padding: 0 1rem; color: #1a1a1a; }
h1 { font-size: 1.3rem; color: #b00020; }
</style>
</head>
<body>
<h1>Authorization Failed</h1>
<p>{{.Message}}</p>
<p>Close this window and restart the authorization from the application.</p>
</body>
</html>
`
