package session

import (
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	PathHome     = "/"
	PathLogin    = "/login"
	PathRegister = "/register"

	// PathChat is where users land after signing in when no return path
	// was carried through the login flow.
	PathChat = "/chat"
)

var publicPaths = map[string]bool{
	PathLogin:          true,
	PathRegister:       true,
	"/forgot-password": true,
	"/reset-password":  true,
	"/offline":         true,
	"/manifest.json":   true,
	"/favicon.ico":     true,
	"/sw.js":           true,
	"/robots.txt":      true,
	"/help":            true,
}

var publicPrefixes = []string{"/static/", "/assets/", "/icons/"}

// IsPublic reports whether p is reachable without a session.
func IsPublic(p string) bool {
	if publicPaths[p] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func isAuthForm(p string) bool {
	return p == PathLogin || p == PathRegister
}

type Action int

const (
	Allow Action = iota
	RedirectToLogin
	RedirectToHome
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case RedirectToLogin:
		return "redirect_to_login"
	case RedirectToHome:
		return "redirect_to_home"
	default:
		return "unknown"
	}
}

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonExpired      Reason = "expired"
	ReasonInvalidToken Reason = "invalid_token"
)

// Decision is the outcome of evaluating one navigation.
type Decision struct {
	Action Action
	// Target is where to navigate for redirects; empty for Allow.
	Target string
	// ReturnPath is the originally requested path carried through login.
	ReturnPath string
	Reason     Reason
}

// Evaluate decides whether the navigation to rawPath is admitted given the
// stored token. It has no side effects; Guard.Evaluate applies them.
func Evaluate(rawPath, token string, now time.Time) Decision {
	p, escaped, rawQuery := splitPath(rawPath)

	state := checkToken(token, now)
	reason := ReasonNone
	switch state {
	case tokenExpired:
		reason = ReasonExpired
	case tokenInvalid:
		reason = ReasonInvalidToken
	}

	if IsPublic(p) {
		if isAuthForm(p) && state == tokenValid {
			target := PathChat
			query, _ := url.ParseQuery(rawQuery)
			if next, ok := ResolveReturnPath(query.Get("next")); ok {
				target = next
			}
			return Decision{Action: RedirectToHome, Target: target}
		}
		return Decision{Action: Allow, Reason: reason}
	}

	if state == tokenValid {
		return Decision{Action: Allow}
	}

	returnPath := escaped
	if rawQuery != "" {
		returnPath += "?" + rawQuery
	}
	return redirectToLogin(returnPath, reason)
}

func redirectToLogin(returnPath string, reason Reason) Decision {
	return Decision{
		Action:     RedirectToLogin,
		Target:     loginTarget(returnPath, reason),
		ReturnPath: returnPath,
		Reason:     reason,
	}
}

func loginTarget(returnPath string, reason Reason) string {
	q := url.Values{}
	if returnPath != "" {
		q.Set("next", returnPath)
	}
	if reason != ReasonNone {
		q.Set("reason", string(reason))
	}
	if len(q) == 0 {
		return PathLogin
	}
	return PathLogin + "?" + q.Encode()
}

// ResolveReturnPath accepts only root-relative paths so a return path can
// never send the user to another host. Auth forms are refused as targets.
func ResolveReturnPath(raw string) (string, bool) {
	next := strings.TrimSpace(raw)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return "", false
	}
	parsed, err := url.Parse(next)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" || parsed.Opaque != "" {
		return "", false
	}
	if isAuthForm(path.Clean(parsed.Path)) {
		return "", false
	}
	// Escapes are kept: %3F and %2F must not turn into a query or a segment.
	p := path.Clean(parsed.EscapedPath())
	if parsed.RawQuery != "" {
		return p + "?" + parsed.RawQuery, true
	}
	return p, true
}

// splitPath returns the cleaned, decoded path used for allow-list checks,
// the path as requested (still escaped) and the raw query.
func splitPath(rawPath string) (string, string, string) {
	parsed, err := url.Parse(strings.TrimSpace(rawPath))
	if err != nil {
		return PathHome, PathHome, ""
	}
	p := parsed.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		// Keep directory-style prefixes such as /static/ intact.
		cleaned += "/"
	}

	escaped := parsed.EscapedPath()
	if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}
	return cleaned, escaped, parsed.RawQuery
}
