// Package rest contains the small REST surface the cluster layer depends on:
// fetching the gateway bot information (shard count, gateway url, identify
// concurrency) and the global application command endpoints.
//
// Forwarder turns these operations into an allow-list of named methods so a
// child process can ask the manager to execute a call centrally
// (REST_REQUEST) without a generic call-by-name RPC.
package rest
