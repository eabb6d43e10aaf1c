// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poolvisor supervises a pool of worker processes on behalf of a
// network service.  A Scheduler keeps the pool sized according to a
// pluggable Discipline, spawns and kills workers through a pluggable
// multi-processing module (MPM), and collects worker status over a small
// NUL framed IPC protocol (see package ipc).
//
// Workers may be separate processes, goroutines, or the scheduler itself;
// package mpm has a backend for each.  Whatever the backend, the scheduler
// only learns about workers through what the MPM and the workers report.
//
// The scheduler runs a single control loop.  Each pass collects garbage,
// drains the IPC sub-channels, reaps dead workers, asks the discipline
// for a plan and applies it.  Other goroutines, such as the HTTP status
// handler in package rpc, only ever see immutable snapshots.
//
// A status snapshot can also be fetched from outside the scheduler with
// QueryStatus, and a daemonized scheduler can be stopped with StopService.
package poolvisor
