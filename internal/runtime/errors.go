package runtime

import "errors"

// ErrModuleNotFound is returned by UnloadModule, Inject, and
// HandleWebhook when no module with the given name is loaded.
var ErrModuleNotFound = errors.New("runtime: module not found")

// ErrSourceNotFound is returned by HandleWebhook when the named module
// has no source with the given id.
var ErrSourceNotFound = errors.New("runtime: source not found")

// ErrNotWebhookCapable is returned by HandleWebhook when the named
// source does not implement plugin.WebhookSource.
var ErrNotWebhookCapable = errors.New("runtime: source is not webhook-capable")

// ErrDuplicateSource is returned by LoadModule when a source id in the
// module being loaded is already registered by a different module
// (spec §5 "registering a duplicate source id across modules is
// rejected at module-load time").
var ErrDuplicateSource = errors.New("runtime: duplicate source id across modules")
