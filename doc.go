/*
Package phonograph is a real-time audio core. It pulls audio through a node
graph on the audio thread and feeds it with audio decoded in background by a
job system.

Components

The module is split into packages that build on each other:

    internal/slot - fixed capacity, ABA-safe slot allocator;
    job - multi-producer, multi-consumer job queue with per-owner ordering;
    fence - counters and notifications to wait for asynchronous loads;
    resource - reference counted data buffers and paged data streams;
    graph - pull based node graph with lock-free reads.

This package holds the contracts shared between them: audio format,
decoders, data sources and errors.

Threading

There are two roles. The audio thread calls graph.Graph.Read and never
blocks. Worker goroutines owned by resource.Manager drain the job queue and
decode audio page by page. A data source that is not ready yet returns
ErrBusy, a data source that is exhausted returns io.EOF.

Decoding

Decoders are created by codecs that are registered by file extension:

    m, err := resource.New(
        resource.WithCodec(".wav", wav.Codec{}),
        resource.WithCodec(".mp3", mp3.Codec{}),
    )

Once decoded, data sources are read by graph nodes:

    src, err := m.InitDataSource(ctx, resource.DataSourceConfig{
        Name:  "loop.wav",
        Flags: resource.Decode | resource.Async,
    })
    n, err := graph.NewDataSourceNode(g, src)
    err = n.AttachOutput(0, g.Endpoint(), 0)
*/
package phonograph
