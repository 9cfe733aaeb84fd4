package api

import "strings"

// readOnlyPrefixes names the request-type prefixes treated as read-only,
// following the same read/write split codec.AuthLevel encodes.
// isReadOnlyRequestType applies this list; no listener in this package
// calls it, so every request type reaches the dispatcher on every listener.
var readOnlyPrefixes = []string{
	"Query",
	"Get",
	"List",
	"Subscribe",
}

var readOnlyOverride = map[string]bool{
	"SubscribeService":       false, // registers a push subscription, not read-only
	"ConfigListenerRequest":  false, // long-poll listen path, proxies to the write-capable port
}

// isReadOnlyRequestType reports whether requestType may be served over the
// restricted listener.
func isReadOnlyRequestType(requestType string) bool {
	if allowed, named := readOnlyOverride[requestType]; named {
		return allowed
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(requestType, prefix) {
			return true
		}
	}
	return false
}
