// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package cli provides the root command of the dispatch CLI.

Individual commands live in the internal/commands subpackages; main wires
them under the root:

	dispatch
	├── launch      Launch a workflow instance
	├── instances   List instances
	├── status      Show an instance tree
	├── wait        Wait for an instance to terminate
	├── cancel      Cancel an instance
	├── kill        Kill a running task
	├── queues      Show queue state
	├── schedules   Show periodic schedules
	├── reload      Reload daemon configuration
	├── logs        Print captured task output
	├── validate    Check workflow definition files
	├── daemon      Start, stop and inspect dispatchd
	└── version     Show version

# Global Flags

	--json       Output in JSON format
	--host       Daemon address (env: DISPATCH_HOST)
	--timeout    Request timeout
*/
package cli
