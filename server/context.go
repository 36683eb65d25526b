package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	e "github.com/cs2valuation/pricecache/errors"
)

// Context carries one request through a handler
type Context struct {
	Request        *http.Request
	ResponseWriter http.ResponseWriter
	RouteVars      map[string]string
	StartTime      time.Time
}

// StandardResponse is the envelope every response body is wrapped in
type StandardResponse struct {
	Context string      `json:"context"`
	Status  int         `json:"status"`
	Data    interface{} `json:"data"`
	Errors  []string    `json:"error"`
}

// MakeContext builds the Context for a request
func MakeContext(request *http.Request, responseWriter http.ResponseWriter) *Context {
	return &Context{
		Request:        request,
		ResponseWriter: responseWriter,
		RouteVars:      mux.Vars(request),
		StartTime:      time.Now(),
	}
}

// GetHTTPMethod returns the request method, honouring the override header
// and query parameter on POST
func (c *Context) GetHTTPMethod() string {
	m := c.Request.Method

	if m == "POST" {
		if c.Request.Header.Get("X-HTTP-Method-Override") != "" {
			m = strings.ToUpper(c.Request.Header.Get("X-HTTP-Method-Override"))
		}
		if c.Request.URL.Query().Get("method") != "" {
			m = strings.ToUpper(c.Request.URL.Query().Get("method"))
		}

		switch m {
		case "DELETE":
		case "GET":
		case "HEAD":
		case "OPTIONS":
		case "PATCH":
		case "POST":
		case "PUT":
		default:
			// If it wasn't one of the above then let's just use what we know
			// is safe
			return c.Request.Method
		}
	}

	return m
}

// Respond writes data in the standard envelope
func (c *Context) Respond(data interface{}, statusCode int, errors []string) error {
	obj := StandardResponse{
		Context: c.Request.URL.Query().Get("context"),
		Status:  statusCode,
		Data:    data,
		Errors:  errors,
	}

	// Prevent content type detection, a.k.a. sniffing
	c.ResponseWriter.Header().Set("Content-Type", "application/json")
	c.ResponseWriter.Header().Set("Access-Control-Allow-Origin", "*")

	if statusCode == http.StatusOK && c.GetHTTPMethod() == "GET" {
		c.ResponseWriter.Header().Set(`Cache-Control`, `public, max-age=60`)
	} else {
		c.ResponseWriter.Header().Set(`Cache-Control`, `no-cache, max-age=0`)
	}

	output, err := json.Marshal(obj)
	if err != nil {
		http.Error(c.ResponseWriter, err.Error(), http.StatusInternalServerError)
		return err
	}

	// Prevent chunking
	c.ResponseWriter.Header().Set("Content-Length", strconv.Itoa(len(output)))

	if glog.V(2) {
		glog.Infof(
			"%s %s %d %d bytes in %s",
			c.GetHTTPMethod(),
			c.Request.URL.String(),
			statusCode,
			len(output),
			time.Since(c.StartTime),
		)
	}

	return c.WriteResponse(output, statusCode)
}

// WriteResponse sets the status and writes the body
func (c *Context) WriteResponse(output []byte, statusCode int) error {
	if c.Request.Header.Get("X-Always-200") != "" {
		c.ResponseWriter.WriteHeader(http.StatusOK)
	} else {
		c.ResponseWriter.WriteHeader(statusCode)
	}

	// HEAD requests return no body
	if c.GetHTTPMethod() == "HEAD" {
		return nil
	}

	_, err := c.ResponseWriter.Write(output)

	// We only log at error severity when an error is not the result of the
	// client disconnecting. "broken pipe" is a syscall.EPIPE error that
	// indicates client disconnection.
	if err != nil {
		opErr, ok := err.(*net.OpError)
		if !ok || opErr.Err != syscall.EPIPE {
			glog.Errorf(
				"Error writing %s response to %s : %+v",
				c.GetHTTPMethod(),
				c.Request.URL.String(),
				err,
			)
			return err
		}

		glog.Warningf(
			"Error writing %s response to %s : %+v",
			c.GetHTTPMethod(),
			c.Request.URL.String(),
			err,
		)
		return err
	}

	return nil
}

// RespondWithOptions answers an OPTIONS request
func (c *Context) RespondWithOptions(options []string) error {
	c.ResponseWriter.Header().Set("Allow", strings.Join(options, ","))
	c.ResponseWriter.Header().Set("Content-Length", "0")
	c.ResponseWriter.WriteHeader(http.StatusOK)
	return nil
}

// RespondWithStatus responds with custom status code and no data
func (c *Context) RespondWithStatus(statusCode int) error {
	return c.Respond(nil, statusCode, nil)
}

// RespondWithError responds with the status and its RFC 2616 description
func (c *Context) RespondWithError(statusCode int) error {
	return c.RespondWithErrorMessage(http.StatusText(statusCode), statusCode)
}

// RespondWithErrorMessage responds with custom code and an error message
func (c *Context) RespondWithErrorMessage(message string, statusCode int) error {
	return c.Respond(nil, statusCode, []string{message})
}

// RespondWithErrorDetail responds with the error message, and with the error
// code and detail in the "data" object when err carries them
func (c *Context) RespondWithErrorDetail(err error, statusCode int) error {
	var ce *e.CacheError
	if errors.As(err, &ce) {
		return c.Respond(ce, statusCode, []string{err.Error()})
	}
	return c.Respond(nil, statusCode, []string{err.Error()})
}

// RespondWithData responds 200 with data
func (c *Context) RespondWithData(data interface{}) error {
	return c.Respond(data, http.StatusOK, nil)
}
