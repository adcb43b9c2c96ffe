// Package api is the REST front-end: a thin chi router over the
// ingestion pipeline, the resource index, the archive exporter, the job
// engine and the query-retrieve archive.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mesh-intelligence/dicomvault/internal/archive"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/jobs"
	"github.com/mesh-intelligence/dicomvault/internal/qr"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"

	"github.com/mesh-intelligence/dicomvault/internal/index"
)

// Server wires the REST routes over the core components.
type Server struct {
	router   chi.Router
	handlers *Handlers
}

// Deps are the core components the REST layer exposes. DicomClient may
// be nil when no DICOM networking backend is configured; the modality
// and query endpoints then answer 503.
type Deps struct {
	Config   *types.Config
	Index    *index.Index
	Area     storage.Area
	Pipeline *ingest.Pipeline
	Exporter *archive.Exporter
	Engine   *jobs.Engine
	Repo     *jobs.Repository
	Queries  *qr.Archive
	Dicom    jobs.DicomClient
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handlers: NewHandlers(deps),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

// levelRoutes maps the URL segment to the resource level it addresses.
var levelRoutes = map[string]types.Level{
	"patients":  types.LevelPatient,
	"studies":   types.LevelStudy,
	"series":    types.LevelSeries,
	"instances": types.LevelInstance,
}

func (s *Server) setupRoutes() {
	s.router.Get("/system", s.handlers.System)
	s.router.Get("/statistics", s.handlers.GetStatistics)
	s.router.Get("/changes", s.handlers.ListChanges)
	s.router.Get("/exports", s.handlers.ListExports)

	s.router.Post("/tools/find", s.handlers.Find)

	for segment, level := range levelRoutes {
		segment := segment
		level := level
		s.router.Route("/"+segment, func(r chi.Router) {
			r.Get("/", s.handlers.ListResources(level))
			if segment == "instances" {
				r.Post("/", s.handlers.StoreInstance)
			}
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handlers.GetResource(level))
				r.Delete("/", s.handlers.DeleteResource(level))
				r.Get("/archive", s.handlers.ExportArchive(level))
				r.Post("/anonymize", s.handlers.Modify(level, true))
				r.Post("/modify", s.handlers.Modify(level, false))
				if segment == "instances" {
					r.Get("/file", s.handlers.GetInstanceFile)
				}
				if segment == "patients" {
					r.Get("/protected", s.handlers.GetProtected)
					r.Put("/protected", s.handlers.SetProtected)
				}
			})
		})
	}

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handlers.ListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handlers.GetJob)
			r.Post("/pause", s.handlers.JobAction("pause"))
			r.Post("/resume", s.handlers.JobAction("resume"))
			r.Post("/cancel", s.handlers.JobAction("cancel"))
			r.Post("/reset", s.handlers.JobAction("reset"))
		})
	})

	s.router.Route("/modalities/{name}", func(r chi.Router) {
		r.Post("/query", s.handlers.ModalityQuery)
		r.Post("/store", s.handlers.ModalityStore)
	})
	s.router.Route("/queries/{token}", func(r chi.Router) {
		r.Get("/answers", s.handlers.QueryAnswers)
		r.Post("/retrieve", s.handlers.QueryRetrieve)
		r.Delete("/", s.handlers.DeleteQuery)
	})
	s.router.Post("/peers/{name}/store", s.handlers.PeerStore)
}

// Router returns the composed handler.
func (s *Server) Router() http.Handler {
	return s.router
}
