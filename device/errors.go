/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package device

import "errors"

// device error conditions
var (
	ErrOutOfQueues   = errors.New("no free hardware queue")
	ErrFlowInstall   = errors.New("flow rule install failed")
	ErrShaperInstall = errors.New("shaper install failed")
	ErrPortConfig    = errors.New("port configure failed")
	ErrPortStart     = errors.New("port start failed")
	ErrNoLink        = errors.New("link not connected")
	ErrPortReset     = errors.New("port reset failed")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)
