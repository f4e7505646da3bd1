package server

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/mux"
	"github.com/otelfleet/fleetsync/pkg/logutil"
)

type route struct {
	path    string
	methods []string
}

// printRoutes logs every route mounted on r, sorted by path.
func printRoutes(r *mux.Router, l *slog.Logger) {
	var routes []route
	err := r.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tmpl, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := rt.GetMethods()
		if err != nil {
			// handlers mounted without a method matcher, e.g. /metrics
			methods = []string{http.MethodGet}
		}
		routes = append(routes, route{path: tmpl, methods: methods})
		return nil
	})
	if err != nil {
		l.With("err", err).Error("failed to walk routes")
		return
	}
	slices.SortFunc(routes, func(a, b route) int {
		return strings.Compare(a.path, b.path)
	})
	for _, rt := range routes {
		for _, method := range rt.methods {
			logutil.WithMethod(l, method).Debug(rt.path)
		}
	}
	l.With("routes", len(routes)).Info("http routes registered")
}
