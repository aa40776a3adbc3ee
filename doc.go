// Package payload reads Apple firmware payload files and extracts their contents.
//
// A payload is a pbzx container: a sequence of chunks, each stored literally or
// compressed (typically with xz), that concatenate to a cpio archive. The
// [ContainerReader] turns the chunks into one forward-only byte stream and the
// [ArchiveReader] walks that stream entry by entry. [Tally], [List] and
// [Extract] consume the entries in a single pass.
//
// Configuration is done using the [Config], which is a configuration struct that can be used to
// set the logger, the telemetry hook, the chunk decompressor and the size limits. Telemetry data is
// captured during every run and handed to the configured [TelemetryHook] as [TelemetryData].
package payload
