// Package resource provides handle-based registries for native values that
// cross runtime boundaries. Script never sees the values themselves, only
// opaque handles; ops on either side insert and take through the shared
// registries.
package resource
