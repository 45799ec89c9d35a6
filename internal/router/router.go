// Package router bridges gateway goroutines to the DB-owning goroutine
// over channels. The sqlite handle stays on one goroutine; gateway
// handlers publish typed query requests and wait on a per-request reply
// channel, with a timeout so a wedged DB loop degrades to "no project
// context" instead of stalling MCP traffic.
package router

import (
	"context"
	"time"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/rs/zerolog/log"
)

// DefaultQueryTimeout bounds how long a gateway request waits for the DB
// loop before proceeding without project context.
const DefaultQueryTimeout = 5 * time.Second

// ProjectMatch is the answer to a longest-prefix project lookup. A zero
// value means no project claimed the path.
type ProjectMatch struct {
	ProjectID   string
	ProjectName string
	MatchedPath string
}

// queryKind discriminates the request union carried on one channel, the
// shape the original lpm_query bridge used for both lookups.
type queryKind int

const (
	queryProject queryKind = iota
	queryProjectServices
)

type request struct {
	kind queryKind
	path string // queryProject
	id   string // queryProjectServices: project id

	projectReply  chan ProjectMatch
	servicesReply chan []string
}

// Client is the cheap, copyable handle gateway tasks use to submit
// queries.
type Client struct {
	requests chan<- request
	timeout  time.Duration
}

// QueryProject resolves path to the project owning its longest registered
// prefix. Timeout or a closed bridge yields a zero ProjectMatch, never an
// error: gateway traffic proceeds without project context.
func (c Client) QueryProject(ctx context.Context, path string) ProjectMatch {
	if path == "" {
		return ProjectMatch{}
	}
	reply := make(chan ProjectMatch, 1)
	req := request{kind: queryProject, path: path, projectReply: reply}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ProjectMatch{}
	case <-timer.C:
		log.Warn().Str("path", path).Msg("project lookup timed out before dispatch")
		return ProjectMatch{}
	}

	select {
	case m, ok := <-reply:
		if !ok {
			return ProjectMatch{}
		}
		return m
	case <-ctx.Done():
		return ProjectMatch{}
	case <-timer.C:
		log.Warn().Str("path", path).Msg("project lookup timed out awaiting reply")
		return ProjectMatch{}
	}
}

// QueryProjectServices resolves the set of service ids linked to a
// project, used by strict mode. Failure modes degrade to nil,
// which strict mode treats as "no services linked".
func (c Client) QueryProjectServices(ctx context.Context, projectID string) []string {
	if projectID == "" {
		return nil
	}
	reply := make(chan []string, 1)
	req := request{kind: queryProjectServices, id: projectID, servicesReply: reply}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}

	select {
	case ids, ok := <-reply:
		if !ok {
			return nil
		}
		return ids
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

// ContextRouter owns the request channel's receiving end and the DB
// handle. Run it on the DB-owning goroutine.
type ContextRouter struct {
	store    Store
	requests chan request
	timeout  time.Duration
}

// Store is the subset of db the router queries.
type Store interface {
	FindProjectByPath(path string) (*db.Project, string, error)
	ListServiceIDsForProject(projectID string) ([]string, error)
}

// New creates the router and its client handle.
func New(store Store) (*ContextRouter, Client) {
	r := &ContextRouter{
		store:    store,
		requests: make(chan request, 16),
		timeout:  DefaultQueryTimeout,
	}
	return r, Client{requests: r.requests, timeout: r.timeout}
}

// SetTimeout adjusts the client-side wait, used by tests.
func (r *ContextRouter) SetTimeout(d time.Duration) Client {
	r.timeout = d
	return Client{requests: r.requests, timeout: d}
}

// Run serves queries until ctx is cancelled. Replies are buffered so a
// caller that gave up never blocks the loop.
func (r *ContextRouter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			switch req.kind {
			case queryProject:
				req.projectReply <- r.lookupProject(req.path)
			case queryProjectServices:
				req.servicesReply <- r.lookupServices(req.id)
			}
		}
	}
}

func (r *ContextRouter) lookupProject(path string) ProjectMatch {
	project, matched, err := r.store.FindProjectByPath(db.NormalizeCwd(path))
	if err != nil {
		return ProjectMatch{}
	}
	return ProjectMatch{ProjectID: project.ID, ProjectName: project.Name, MatchedPath: matched}
}

func (r *ContextRouter) lookupServices(projectID string) []string {
	ids, err := r.store.ListServiceIDsForProject(projectID)
	if err != nil {
		return nil
	}
	return ids
}
