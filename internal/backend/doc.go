// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend implements the HTTP client for the task store.
//
// The backend store owns all persistent state. This package provides the
// mutation RPCs (create/update/delete task, add comment), the presence
// read/write RPCs, and the server-sent-events change-feed subscription
// that internal/feed consumes. It knows nothing about the local cache or
// the lifecycle rules; it moves JSON.
//
// # Key Types
//
//   - Client: Pooled HTTP client with retry and typed error mapping
//   - RawEvent: One change-feed frame before normalization
//   - APIError: Error response carrying the HTTP status
//
// # Endpoints
//
//   - POST   /v1/tasks                 - create task
//   - GET    /v1/tasks                 - list tasks
//   - GET    /v1/tasks/{id}            - fetch one task
//   - PATCH  /v1/tasks/{id}            - persist a status mutation
//   - DELETE /v1/tasks/{id}            - delete task
//   - POST   /v1/tasks/{id}/comments   - add comment
//   - PUT    /v1/presence              - upsert presence
//   - GET    /v1/presence?task_id=...  - query presence
//   - GET    /v1/feed                  - SSE change feed
package backend
