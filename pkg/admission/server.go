// file: pkg/admission/server.go

package admission

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
)

const jsonContentType = "application/json"

// Server 通过 HTTPS 暴露 /mutate、/validate 与 /healthz。
type Server struct {
	pipeline *Pipeline
	decoder  runtime.Decoder
	mux      *http.ServeMux
}

// NewServer creates the webhook server for pipeline.
func NewServer(pipeline *Pipeline) *Server {
	s := &Server{
		pipeline: pipeline,
		mux:      http.NewServeMux(),
	}
	s.initDecoder()

	s.mux.HandleFunc("/mutate", func(w http.ResponseWriter, r *http.Request) {
		s.handle(w, r, "mutate", s.pipeline.Mutate)
	})
	s.mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		s.handle(w, r, "validate", s.pipeline.Validate)
	})
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) initDecoder() {
	scheme := runtime.NewScheme()
	if err := admissionv1.AddToScheme(scheme); err != nil {
		klog.Warningf("Couldn't register the admission/v1 scheme: %v", err)
	}
	s.decoder = serializer.NewCodecFactory(scheme).UniversalDeserializer()
}

// Handler returns the HTTP handler serving all webhook routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Run 阻塞直到 ctx 结束，然后优雅关闭。certFile 为空时使用明文 HTTP。
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Webhook server listening", "address", addr, "tls", certFile != "")
		var err error
		if certFile != "" {
			err = server.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("webhook server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type reviewFunc func(context.Context, *capability.AdmissionRequest) *admissionv1.AdmissionResponse

func (s *Server) handle(w http.ResponseWriter, r *http.Request, phase string, review reviewFunc) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		klog.Warningf("Invalid method %s, only POST requests are allowed", r.Method)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		klog.Warningf("Could not read request body: %v", err)
		return
	}
	defer r.Body.Close()

	if contentType := r.Header.Get("Content-Type"); contentType != jsonContentType {
		w.WriteHeader(http.StatusBadRequest)
		klog.Warningf("Unsupported content type %s, only %s is supported", contentType, jsonContentType)
		return
	}

	obj, gvk, err := s.decoder.Decode(body, nil, nil)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		klog.Warningf("Could not deserialize request: %v", err)
		return
	}
	reviewReq, ok := obj.(*admissionv1.AdmissionReview)
	if !ok || reviewReq.Request == nil {
		w.WriteHeader(http.StatusBadRequest)
		klog.Warningf("Group version kind %v is not supported", gvk)
		return
	}

	req, err := capability.FromAdmission(reviewReq.Request)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		klog.Warningf("Could not decode %s request %s: %v", phase, reviewReq.Request.UID, err)
		return
	}

	reviewResp := &admissionv1.AdmissionReview{}
	reviewResp.SetGroupVersionKind(admissionv1.SchemeGroupVersion.WithKind("AdmissionReview"))
	reviewResp.Response = review(r.Context(), req)
	reviewResp.Response.UID = reviewReq.Request.UID

	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(reviewResp); err != nil {
		klog.Warningf("Failed to encode the response: %v", err)
	}
}
