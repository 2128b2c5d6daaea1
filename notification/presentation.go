// Copyright 2021-2022 The pushhub Authors
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

package notification

// Record severities
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Presentation how a severity is displayed
type Presentation struct {
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

var presentationTable = map[string]Presentation{
	SeverityInfo:    {Icon: "info-circle", Color: "blue"},
	SeveritySuccess: {Icon: "check-circle", Color: "green"},
	SeverityWarning: {Icon: "alert-triangle", Color: "yellow"},
	SeverityError:   {Icon: "x-circle", Color: "red"},
}

// PresentationFor look up the presentation of a severity. Unknown severities are
// presented as info.
func PresentationFor(severity string) Presentation {
	if entry, ok := presentationTable[severity]; ok {
		return entry
	}
	return presentationTable[SeverityInfo]
}
