package pipeline

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/streaming"
)

// Response is the terminal product of a pipeline run, rendered by the API
// layer.
type Response interface {
	Render(c *gin.Context)
}

// JSONResponse renders a buffered JSON body.
type JSONResponse struct {
	Status  int
	Headers map[string]string
	Body    any
}

func (r *JSONResponse) Render(c *gin.Context) {
	for key, value := range r.Headers {
		c.Header(key, value)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, r.Body)
}

// SSEResponse serializes an event stream as chunked server-sent events.
type SSEResponse struct {
	Events     EventStream
	serializer *streaming.Serializer
}

// NewSSEResponse wraps an event stream for streaming delivery.
func NewSSEResponse(events EventStream) *SSEResponse {
	return &SSEResponse{Events: events, serializer: streaming.NewSerializer()}
}

func (r *SSEResponse) Render(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Disable nginx buffering.
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	for {
		ev, err := r.Events()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Errorf("event stream failed mid-response: %v", err)
			return
		}
		chunk := r.serializer.Serialize(ev)
		if chunk == "" {
			continue
		}
		if _, err := c.Writer.WriteString(chunk); err != nil {
			log.Debugf("client disconnected during streaming: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// PassthroughResponse relays an upstream HTTP response body untouched.
type PassthroughResponse struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

func (r *PassthroughResponse) Render(c *gin.Context) {
	defer func() { _ = r.Body.Close() }()

	for key, values := range r.Headers {
		// The body is re-chunked on the way through.
		switch strings.ToLower(key) {
		case "content-encoding", "content-length":
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	c.Status(r.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
