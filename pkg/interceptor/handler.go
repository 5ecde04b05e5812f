package interceptor

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := i.Fetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		status := http.StatusBadGateway
		if r.Method == http.MethodGet && isNavigation(r) {
			status = http.StatusGatewayTimeout
		}
		i.log.Debug("upstream unavailable",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		i.log.Debug("write response failed", zap.String("uri", r.URL.RequestURI()), zap.Error(err))
	}
}
