/*
 * MareFS, Copyright 2021 the MareFS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package version

import "fmt"

var (
	major    = 1
	minor    = 0
	patch    = 2
	revision = "$Format:%h$"
)

// Version returns the version string of this build.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// Revision returns the VCS revision this build was produced from.
func Revision() string {
	return revision
}
