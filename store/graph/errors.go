// Copyright 2026 Dolthub, Inc.
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

package graph

import (
	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	ErrGraphInvalid      = goerrors.NewKind("graph %s is in an error state: %s")
	ErrNotPrimary        = goerrors.NewKind("graph %s: this instance does not hold the primary role")
	ErrTxFinished        = goerrors.NewKind("transaction on graph %s is already finished")
	ErrSchemaViolation   = goerrors.NewKind("schema check rejected transaction %d")
	ErrHeadsMismatch     = goerrors.NewKind("update starts at blob index %d but the local write head is %d")
	ErrHeadsAhead        = goerrors.NewKind("requested heads at blob index %d are ahead of the local read head %d")
	ErrCacheMismatch     = goerrors.NewKind("cache %s: update expects size %d at revision %d, local is size %d at revision %d")
	ErrHashMismatch      = goerrors.NewKind("structural hash mismatch at blob index %d: computed %s, expected %s")
	ErrWrongGraph        = goerrors.NewKind("update is for graph %s, not %s")
	ErrLayoutVersion     = goerrors.NewKind("update has data layout %q, local layout is %q")
	ErrReplay            = goerrors.NewKind("update cannot be replayed: %s")
	ErrBadIndex          = goerrors.NewKind("blob index %d is not a %s below head %d")
	ErrAlreadyTerminated = goerrors.NewKind("blob %d is already terminated")
	ErrUIDExists         = goerrors.NewKind("uid %s already lives at blob index %d")
	ErrBadHeader         = goerrors.NewKind("region does not hold a graph header: %s")
	ErrSyncFailed        = goerrors.NewKind("graph %s: pushing to upstream failed, the update stays pending")
	ErrBadRollback       = goerrors.NewKind("cannot roll back to blob index %d: %s")
)
