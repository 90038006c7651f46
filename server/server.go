package server

import (
	"crypto/tls"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"
	"golang.org/x/crypto/acme/autocert"

	"github.com/veridian-health/docpipe/handlers"
	"github.com/veridian-health/docpipe/registry"
	"github.com/veridian-health/docpipe/storage"
)

func SetupRoutes(reg *registry.Registry, gateway *storage.Gateway, maxUploadBytes int64, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	uploadHandler := handlers.NewUploadHandler(reg, gateway, maxUploadBytes, logger)
	r.Handle("/upload", uploadHandler).Methods("POST")

	jobHandler := handlers.NewJobHandler(reg, logger)
	r.HandleFunc("/job/{job_id}", jobHandler.GetJobStatus).Methods("GET")
	r.HandleFunc("/document/{document_id}", jobHandler.GetDocumentStatus).Methods("GET")

	webhookHandler := handlers.NewWebhookHandler(reg, logger)
	r.Handle("/webhook/parse/{job_id}", webhookHandler).Methods("POST")

	return r
}

// ServeProduction builds the server when we operate in a production environment.
func ServeProduction(n *negroni.Negroni, domains []string, certCacheDir string) {
	autocertManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(certCacheDir),
	}

	// Listen for HTTP requests on port 80 in a new goroutine. Use
	// autocertManager.HTTPHandler(nil) as the handler. This will send ACME
	// "http-01" challenge responses as necessary, and 302 redirect all other
	// requests to HTTPS.
	go func() {
		srv := &http.Server{
			Addr:         ":80",
			Handler:      autocertManager.HTTPHandler(nil),
			IdleTimeout:  time.Minute,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		err := srv.ListenAndServe()
		log.Fatal(err)
	}()

	tlsConfig := &tls.Config{
		GetCertificate:           autocertManager.GetCertificate,
		PreferServerCipherSuites: true,
		CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	srv := &http.Server{
		Addr:         ":443",
		Handler:      n,
		TLSConfig:    tlsConfig,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	err := srv.ListenAndServeTLS("", "") // Key and cert provided automatically by autocert.
	log.Fatal(err)
}

// ServeDevelopment starts the server when we operate in a dev environment.
func ServeDevelopment(s *http.Server) {
	log.Fatal(s.ListenAndServe())
}
