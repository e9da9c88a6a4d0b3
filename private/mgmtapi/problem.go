// Copyright 2026 SCION Association
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mgmtapi

// Problem types of error responses.
const (
	BadRequest    = "/problems/bad-request"
	InternalError = "/problems/internal-error"
	NotFound      = "/problems/not-found"
)

// StringRef returns a pointer to s.
func StringRef(s string) *string {
	return &s
}
