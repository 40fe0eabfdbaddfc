// Package kms provides low-level access to the Linux DRM/KMS (Direct
// Rendering Manager / Kernel Mode Setting) interfaces: device nodes,
// driver versions, capabilities and mastership. The mode subpackage
// wraps the mode-setting ioctls and the backend subpackage builds an
// atomic mode-setting engine on top of them.
package kms
