package bot

import (
	"net/url"
	"strings"

	"github.com/xaenox/querychat/internal/session"
)

type routeKind int

const (
	routeUnknown routeKind = iota
	routeWelcome
	routeHelp
	routeLogin
	routeRegister
	routeLogout
	routeNewThread
	routeThreads
	routeSwitch
	routeRetry
	routeStatus
	routeStop
	routeHistory
	routeSend
)

// route is one navigation: the path the guard evaluates and what to do
// once it is admitted.
type route struct {
	kind routeKind
	path string
	args []string
	text string
}

const (
	pathHelp    = "/help"
	pathThreads = "/chats"
	pathProfile = "/profile"
	pathNew     = "/chat/new"
	pathRetry   = "/chat/retry"
	pathStop    = "/chat/stop"
	pathLogout  = "/logout"
)

func parseCommand(command, arguments string) route {
	args := strings.Fields(arguments)
	switch command {
	case "start":
		return route{kind: routeWelcome, path: session.PathHome}
	case "help":
		return route{kind: routeHelp, path: pathHelp}
	case "login":
		return route{kind: routeLogin, path: session.PathLogin, args: args}
	case "register":
		return route{kind: routeRegister, path: session.PathRegister, args: args}
	case "logout":
		return route{kind: routeLogout, path: pathLogout}
	case "new":
		return route{kind: routeNewThread, path: pathNew}
	case "chats":
		return route{kind: routeThreads, path: pathThreads}
	case "switch":
		p := session.PathChat
		if len(args) > 0 {
			p += "/" + url.PathEscape(args[0])
		}
		return route{kind: routeSwitch, path: p, args: args}
	case "retry":
		return route{kind: routeRetry, path: pathRetry, args: args}
	case "status":
		return route{kind: routeStatus, path: pathProfile}
	case "stop":
		return route{kind: routeStop, path: pathStop}
	case "history":
		return route{kind: routeHistory, path: session.PathChat}
	default:
		return route{kind: routeUnknown}
	}
}

func textRoute(text string) route {
	return route{kind: routeSend, path: session.PathChat, text: text}
}

// routeForPath maps a navigation target back to a view. Targets that
// would repeat an action (retry, send) only show the conversation.
func routeForPath(target string) route {
	u, err := url.Parse(target)
	if err != nil {
		return route{kind: routeHistory, path: session.PathChat}
	}

	p := u.Path
	switch p {
	case session.PathHome:
		return route{kind: routeWelcome, path: p}
	case pathHelp:
		return route{kind: routeHelp, path: p}
	case pathThreads:
		return route{kind: routeThreads, path: p}
	case pathProfile:
		return route{kind: routeStatus, path: p}
	case pathNew:
		return route{kind: routeNewThread, path: p}
	case pathStop:
		return route{kind: routeStop, path: p}
	case session.PathChat, pathRetry:
		return route{kind: routeHistory, path: session.PathChat}
	}

	escaped := u.EscapedPath()
	if segment, ok := strings.CutPrefix(escaped, session.PathChat+"/"); ok && segment != "" && !strings.Contains(segment, "/") {
		if id, err := url.PathUnescape(segment); err == nil {
			return route{kind: routeSwitch, path: escaped, args: []string{id}}
		}
	}
	return route{kind: routeHistory, path: session.PathChat}
}
