// Package modules decides which optional feature modules are active for which
// tenant and keeps permissions, navigation, audit history and external
// listeners consistent with that state.
//
// Lifecycle:
//   - ModuleManager.Enable and Disable run inside one transaction: activation
//     row change, provisioning, permission sync and the audit entry commit or
//     roll back together. A ModuleStateEvent is published only after commit.
//   - Enable on an already active pair returns success without provisioning,
//     auditing or publishing. Provisioning steps are recorded per tenant, so a
//     re-enable after Disable only runs steps that never ran.
//   - Disable never drops module data.
//
// Registry:
//   - Modules are discovered from <root>/<name>/module.yaml. The descriptor's
//     enabled flag is a global kill switch. Scans are cached until Refresh.
//   - Handlers are registered statically with RegisterHandler; there is no
//     runtime name to type resolution.
//
// Events:
//   - EventBus runs in process subscribers (the NavigationComposer) inside
//     Publish and hands broadcasts (see the broadcast package) to a worker pool
//     with retry. Broadcast failures are logged, never returned.
package modules
