// Package manifest models the build-time resource table that an agent version
// is bound to: a mapping from resource key to content fingerprint plus the
// "core" shell subset that must be cached before the application can boot
// offline. It also owns resource key normalization, so that the router, the
// reconciler and the offline downloader all derive keys from request URLs in
// exactly the same way.
package manifest
