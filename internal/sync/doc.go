// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

/*
Package sync implements glucose data synchronization from the Dexcom API
into the local store.

This package holds the core business logic: fetching estimated glucose
values, validating and normalizing them, resolving duplicates, and
recording every run as a SyncJob. It provides scheduled polling, webhook
triggered syncs, and manual sync invocations over one shared set of
provider-wide resources.

Key Components:

  - Orchestrator: drives fetch, validate, dedup, store per job and owns
    the SyncJob state machine
  - DexcomClient: HTTP client for the EGV endpoint with rate limiting,
    retry with jittered backoff, and circuit breaker protection
  - RateLimiter: token bucket shared by all outbound provider calls
  - Breaker: circuit breaker opening after consecutive failures
  - Validator: rule pipeline producing canonical readings or structured
    field errors
  - Deduplicator: conflict resolution on the (user, timestamp) key
  - LockManager: per-user lease locks, at most one sync per user
  - Scheduler: periodic sync loop over all users with credentials
  - WebhookProcessor: bounded queue turning provider notifications into
    sync invocations

Concurrency Model:

Trigger sources run concurrently and share the DexcomClient, RateLimiter,
and Breaker. The per-user lease lock is the only serialization point;
jobs for different users run in parallel up to the configured cap. Token
refresh is serialized per user inside the auth package.
*/
package sync
