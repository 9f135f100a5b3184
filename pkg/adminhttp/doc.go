// Package adminhttp defines the boundary between this module and the
// admin HTTP surface described by the process's external interfaces: the
// authenticated CRUD router, its bearer-token auth middleware, and
// subscription URI/YAML rendering are all out of scope here (see
// original_source/src/api for that side).
//
// What lives in this package instead is the contract such a router is
// built against: a small set of narrow interfaces (ClusterInfoProvider,
// CommandWriter, SubscriptionRenderer) an out-of-scope HTTP layer calls
// into, the admin error envelope every handler on that layer is expected
// to return, and a thin go-chi/chi/v5 reference mount covering the two
// routes that need no authentication at all: GET /api/health and
// GET /api/cluster/info. A full admin router mounts this package's
// Router as a starting point and adds its own authenticated routes
// alongside it, translating decoded requests into pkg/store.Command
// values and submitting them through CommandWriter.ClientWrite.
package adminhttp
