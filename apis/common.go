// Copyright 2025 The alertstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defineRestHandler define the base REST handler shared by all API groups
func defineRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// RequestLogger log sink for the HTTP access log
type RequestLogger struct {
	common.Component
}

// GetRequestLogger define a RequestLogger
func GetRequestLogger(instance string) RequestLogger {
	return RequestLogger{
		Component: common.Component{
			LogTags: log.Fields{"module": "apis", "component": "access-log", "instance": instance},
		},
	}
}

// Write logging support
func (l RequestLogger) Write(p []byte) (n int, err error) {
	log.WithFields(l.LogTags).Infof("%s", p)
	return len(p), nil
}

// Println log a recovered handler panic
func (l RequestLogger) Println(v ...interface{}) {
	log.WithFields(l.LogTags).Error(fmt.Sprint(v...))
}

// ========================================================================================

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// readIntQuery read an optional integer query parameter
func readIntQuery(r *http.Request, name string, defaultValue int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter '%s' is not an integer: %s", name, raw)
	}
	return value, nil
}
