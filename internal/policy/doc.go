// Package policy resolves which tenant policies govern a risk finding.
//
// A Set is built once per evaluation from the tenant's current policies and
// answers the questions the detector and the decision engine ask:
//   - which enabled custom policies run as extra detectors
//   - what severity a built-in finding carries for this tenant
//   - whether a built-in finding is suppressed by a disabled policy
//   - which policy, and therefore which action, governs a finding
package policy
