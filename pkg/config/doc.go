// Package config loads the on-disk YAML configuration and merges in the
// `--section.key=value` command-line overrides that spec.md section 6
// describes.
//
// A File has two parts: GlobalOptions (logging, directories, the nucleus's
// maintenance tick, the listener address) under the "global" key, and a
// list of QueueConfig entries, each the YAML shape of one
// types.QueueDescriptor. Load parses the file and fills in defaults for
// anything left blank (log level "info", a 500ms maintenance tick, and so
// on); ToQueueDescriptors then turns the parsed queues into the
// *types.QueueDescriptor values the nucleus registers, resolving a queue's
// optional healthCheck block into a concrete health.Checker.
//
// CLI overrides arrive as flags of the form --section.key=value: "main" for
// a GlobalOptions field, a queue's name for one of its QueueConfig fields.
// ParseOverrideFlag splits the flag's value into section/key/value;
// ApplyOverride then reflects over the target struct's yaml tags to find
// and assign the named field. Overrides are applied after Load so they
// always take precedence over the file, and a section naming a queue the
// file never mentioned creates a bare entry for it (a straight queue, one
// worker) rather than erroring.
package config
