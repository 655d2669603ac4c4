// Package models defines domain entities and persistence interfaces for the pmx format migration service.
//
// The package contains two categories of types:
//
// 1. Catalog values: immutable descriptions read from the service catalog per composition call
//   - [Format] : A file format identifier with its risk flag and successor hint
//   - [Service] : A conversion service with accepted inputs, output, [Shape] and [Cost]
//   - [Chain] : A contiguous sequence of services with aggregate shape and cost
//
// 2. Persistent Entities: Database-backed models with full lifecycle management
//   - [MigrationPlan] : The aggregate root driven through the [PlanStatus] state machine
//   - [MigrationPath] : A candidate chain for one group of objects, at most one active per group
//   - [MigrationItem] : One object to migrate, moving monotonically through [ItemStatus]
//   - [AsyncRequest] : An in-flight or completed gate request keyed by a dedup key
//   - [AsyncResult] : The outcome of a gate request with its computedOn timestamp
//
// All persistent entities implement the Model interface providing ID, timestamps and validation.
// The Repository[T] interface defines standard CRUD operations for database access.
package models
