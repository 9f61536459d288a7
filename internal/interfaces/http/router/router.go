// Package router assembles the gin route tree. Groups are declared first and
// mounted together by Setup, so the full table can be logged at startup.
package router

import (
	"net/http"
	"path"
	"sort"

	"github.com/gin-gonic/gin"
)

// Router collects route groups for one engine
type Router struct {
	engine     *gin.Engine
	apiVersion string
	groups     []*Group
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAPIVersion sets the version segment of /api/{version}. Default v1.
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) { r.apiVersion = version }
}

// NewRouter creates a Router
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, apiVersion: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root declares a group mounted at the engine root
func (r *Router) Root(prefix string, mw ...gin.HandlerFunc) *Group {
	g := &Group{prefix: prefix, middleware: mw}
	r.groups = append(r.groups, g)
	return g
}

// API declares a group mounted under /api/{version}
func (r *Router) API(prefix string, mw ...gin.HandlerFunc) *Group {
	return r.Root(path.Join("/api", r.apiVersion, prefix), mw...)
}

// Setup mounts every declared group on the engine
func (r *Router) Setup() {
	for _, g := range r.groups {
		g.mount(r.engine.Group(""))
	}
}

// Routes lists "METHOD /path" for every declared route, sorted
func (r *Router) Routes() []string {
	var out []string
	for _, g := range r.groups {
		out = g.collect("", out)
	}
	sort.Strings(out)
	return out
}

// Group is a prefix with shared middleware and its routes
type Group struct {
	prefix     string
	middleware []gin.HandlerFunc
	routes     []route
	children   []*Group
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// Handle declares a route on the group
func (g *Group) Handle(method, p string, handlers ...gin.HandlerFunc) *Group {
	g.routes = append(g.routes, route{method: method, path: p, handlers: handlers})
	return g
}

// GET declares a GET route
func (g *Group) GET(p string, handlers ...gin.HandlerFunc) *Group {
	return g.Handle(http.MethodGet, p, handlers...)
}

// POST declares a POST route
func (g *Group) POST(p string, handlers ...gin.HandlerFunc) *Group {
	return g.Handle(http.MethodPost, p, handlers...)
}

// Sub declares a nested group that inherits this group's middleware
func (g *Group) Sub(prefix string, mw ...gin.HandlerFunc) *Group {
	child := &Group{prefix: prefix, middleware: mw}
	g.children = append(g.children, child)
	return child
}

func (g *Group) mount(parent *gin.RouterGroup) {
	rg := parent.Group(g.prefix, g.middleware...)
	for _, rt := range g.routes {
		rg.Handle(rt.method, rt.path, rt.handlers...)
	}
	for _, child := range g.children {
		child.mount(rg)
	}
}

func (g *Group) collect(base string, out []string) []string {
	base = path.Join("/", base, g.prefix)
	for _, rt := range g.routes {
		out = append(out, rt.method+" "+path.Join(base, rt.path))
	}
	for _, child := range g.children {
		out = child.collect(base, out)
	}
	return out
}
