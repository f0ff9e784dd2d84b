// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests, but can also address a remote
backend through a base URL.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/cabwise-tech/fleetcore/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
//
// WithAuthorization() adds an authorization to the request context.
// WithToken() adds a bearer token header instead.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL creates a client to make REST requests to a remote backend
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client carrying a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a new client with a specific authorization
// injected into the request context (this works only directly against the
// mux router, a remote client uses WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with a specific base context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

func (c Client) do(r *http.Request) (status int, responseBody []byte, err error) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result().StatusCode, rec.Body.Bytes(), nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	responseBody, _ = io.ReadAll(res.Body)
	return res.StatusCode, responseBody, nil
}

func decodeInto(responseBody []byte, result interface{}) error {
	if result == nil || len(responseBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = responseBody
		return nil
	}
	return json.Unmarshal(responseBody, result)
}

// Get reads the resource at path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings. result can be nil.
func (c Client) Get(path string, result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(c.context(), http.MethodGet, c.url+path, nil)
	status, responseBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(responseBody)))
	}
	return status, decodeInto(responseBody, result)
}

// Post creates a resource at path. Expects http.StatusCreated or
// http.StatusOK as response, otherwise it will flag an error. Returns the
// actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte. Both can be nil.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	j, err := marshalBody(body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
	}
	r, _ := http.NewRequestWithContext(c.context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	r.Header.Set("Content-Type", "application/json")
	status, responseBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, strings.TrimSpace(string(responseBody)))
	}
	return status, decodeInto(responseBody, result)
}

// Put updates the resource at path. Expects http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) Put(path string, body interface{}, result interface{}) (int, error) {
	j, err := marshalBody(body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
	}
	r, _ := http.NewRequestWithContext(c.context(), http.MethodPut, c.url+path, bytes.NewBuffer(j))
	r.Header.Set("Content-Type", "application/json")
	status, responseBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(responseBody)))
	}
	return status, decodeInto(responseBody, result)
}

// Delete deletes the resource at path. Expects http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) Delete(path string, result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(c.context(), http.MethodDelete, c.url+path, nil)
	status, responseBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(responseBody)))
	}
	return status, decodeInto(responseBody, result)
}

// PostMultipart posts a multipart form to path: the form fields plus one
// file part. Expects http.StatusCreated or http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// file can be nil for a form-only post. result can be nil.
func (c Client) PostMultipart(path string, fields map[string]string,
	filename string, file []byte, result interface{}) (int, error) {

	var buffer bytes.Buffer
	w := multipart.NewWriter(&buffer)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return http.StatusBadRequest, err
		}
	}
	if file != nil {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			return http.StatusBadRequest, err
		}
		if _, err = fw.Write(file); err != nil {
			return http.StatusBadRequest, err
		}
	}
	w.Close()

	r, _ := http.NewRequestWithContext(c.context(), http.MethodPost, c.url+path, &buffer)
	r.Header.Set("Content-Type", w.FormDataContentType())
	status, responseBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, strings.TrimSpace(string(responseBody)))
	}
	return status, decodeInto(responseBody, result)
}

func marshalBody(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	return json.Marshal(body)
}
