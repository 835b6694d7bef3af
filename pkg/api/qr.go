package api

import (
	"bytes"
	"net/http"

	"geocluster-map/pkg/qrshare"
)

// handleQR renders ?u= (or the referer, or this URL) as a QR code PNG so a
// map view can be shared to a phone.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("u")
	if u == "" {
		if ref := r.Referer(); ref != "" {
			u = ref
		} else {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			u = scheme + "://" + r.Host + "/"
		}
	}
	if len(u) > qrshare.MaxPayload {
		u = u[:qrshare.MaxPayload]
	}

	var buf bytes.Buffer
	if err := qrshare.EncodePNG(&buf, u, qrshare.Options{SizePx: 768}); err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", `inline; filename="qr.png"`)
	_, _ = w.Write(buf.Bytes())
}
