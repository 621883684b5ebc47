package roddriver

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps resource_blocking names to CDP resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"image":      proto.NetworkResourceTypeImage,
	"font":       proto.NetworkResourceTypeFont,
	"media":      proto.NetworkResourceTypeMedia,
	"stylesheet": proto.NetworkResourceTypeStylesheet,
	"script":     proto.NetworkResourceTypeScript,
	"xhr":        proto.NetworkResourceTypeXHR,
	"fetch":      proto.NetworkResourceTypeFetch,
	"websocket":  proto.NetworkResourceTypeWebSocket,
	"manifest":   proto.NetworkResourceTypeManifest,
}

// resolveResourceTypes turns config names, singular or plural and in any
// case, into CDP types. Names it does not know are returned in unknown.
func resolveResourceTypes(names []string) (types []proto.NetworkResourceType, unknown []string) {
	seen := make(map[proto.NetworkResourceType]bool, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		t, ok := resourceTypes[key]
		if !ok {
			t, ok = resourceTypes[strings.TrimSuffix(key, "s")]
		}
		switch {
		case !ok:
			unknown = append(unknown, name)
		case !seen[t]:
			seen[t] = true
			types = append(types, t)
		}
	}
	return types, unknown
}

// blockResources fails every request of the given types on page. Only those
// types are intercepted; other requests never pause. The router is nil when
// types is empty and must otherwise be stopped with the page.
func blockResources(page *rod.Page, types []proto.NetworkResourceType) (*rod.HijackRouter, error) {
	if len(types) == 0 {
		return nil, nil
	}
	router := page.HijackRequests()
	for _, t := range types {
		if err := router.Add("*", t, func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		}); err != nil {
			_ = router.Stop()
			return nil, err
		}
	}
	go router.Run()
	return router, nil
}
