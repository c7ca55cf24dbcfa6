package testserver

import "html/template"

// Page templates for the in-repo authentication target. The markup is what
// the harness drives: form field names, the pow-captcha widget, and the
// #account-menu marker are all part of its contract.

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
{{end}}

{{define "layout_foot"}}</body>
</html>
{{end}}

{{define "login"}}{{template "layout_head" .}}
<h1>Sign in</h1>
<form id="login-form" method="post" action="/login">
  <label>Username <input type="text" name="username" autocomplete="username"></label>
  <label>Password <input type="password" name="password" autocomplete="current-password"></label>
  <label><input type="checkbox" name="remember"> Remember me</label>
  <pow-captcha data-challenge="{{.Challenge}}" data-difficulty="{{.Difficulty}}">
    <div class="pow-widget" data-state="unverified">
      <button type="button" class="pow-checkbox">I am human</button>
      <span class="pow-label">Verification</span>
    </div>
  </pow-captcha>
  <input type="hidden" name="pow_challenge" value="">
  <input type="hidden" name="pow_nonce" value="">
  <button type="submit">Sign in</button>
</form>
<script>
(function () {
  var host = document.querySelector('pow-captcha');
  if (!host) return;
  var widget = host.querySelector('.pow-widget');
  var trigger = host.querySelector('.pow-checkbox');
  var difficulty = parseInt(host.dataset.difficulty, 10);

  function leadingZeroBits(bytes) {
    var n = 0;
    for (var i = 0; i < bytes.length; i++) {
      var b = bytes[i];
      if (b === 0) { n += 8; continue; }
      for (var mask = 0x80; mask !== 0 && (b & mask) === 0; mask >>= 1) n++;
      break;
    }
    return n;
  }

  async function solve(challenge) {
    var enc = new TextEncoder();
    for (var nonce = 0; ; nonce++) {
      var digest = await crypto.subtle.digest('SHA-256', enc.encode(challenge + ':' + nonce));
      if (leadingZeroBits(new Uint8Array(digest)) >= difficulty) return String(nonce);
      if (nonce % 64 === 63) await new Promise(function (r) { setTimeout(r, 0); });
    }
  }

  trigger.addEventListener('click', async function () {
    if (widget.dataset.state !== 'unverified') return;
    widget.dataset.state = 'verifying';
    var challenge = host.dataset.challenge;
    var nonce = await solve(challenge);
    document.querySelector("input[name='pow_challenge']").value = challenge;
    document.querySelector("input[name='pow_nonce']").value = nonce;
    widget.dataset.state = 'verified';
  });
})();
</script>
{{template "layout_foot" .}}{{end}}

{{define "mfa"}}{{template "layout_head" .}}
<h1>Two-factor verification</h1>
<form id="mfa-form" method="post" action="/login/mfa">
  <input type="hidden" name="challenge" value="{{.ChallengeID}}">
  <label>Code <input type="text" name="code" autocomplete="one-time-code"></label>
  <label><input type="checkbox" name="is_recovery"> Use a recovery code</label>
  <label><input type="checkbox" name="trust_device"> Trust this device</label>
  <button type="submit">Verify</button>
</form>
{{template "layout_foot" .}}{{end}}

{{define "password_change"}}{{template "layout_head" .}}
<h1>Change password</h1>
{{if .Forced}}<p class="notice">You must change your password before continuing.</p>{{end}}
<form id="password-change-form" method="post" action="/password/change">
  <label>Current password <input type="password" name="current_password"></label>
  <label>New password <input type="password" name="new_password" autocomplete="new-password"></label>
  <label>Confirm new password <input type="password" name="confirm_password" autocomplete="new-password"></label>
  <button type="submit">Change password</button>
</form>
{{template "layout_foot" .}}{{end}}

{{define "dashboard"}}{{template "layout_head" .}}
<nav id="account-menu">
  <span class="account-name">{{.Username}}</span>
  <span class="account-role">{{.Role}}</span>
  <form id="logout-form" method="post" action="/logout">
    <button type="submit">Sign out</button>
  </form>
</nav>
<h1>Dashboard</h1>
<p>Signed in as {{.Username}}.</p>
{{template "layout_foot" .}}{{end}}
`))

type pageData struct {
	Title       string
	Error       string
	Challenge   string
	Difficulty  int
	ChallengeID string
	Username    string
	Role        string
	Forced      bool
}
