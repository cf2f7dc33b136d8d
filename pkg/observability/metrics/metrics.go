package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardcoord"

var (
    once sync.Once

    IsCoordinator = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_coordinator",
        Help:      "1 if this node is the cluster coordinator, else 0",
    })

    LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Observed leadership changes per election path",
    }, []string{"election"})

    LiveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "live_nodes",
        Help:      "Nodes currently registered under /live_nodes",
    })

    // Queue
    QueueEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "queue",
        Name:      "enqueued_total",
        Help:      "Entries submitted to the command queue",
    }, []string{"operation"})
    QueueAwait = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "queue",
        Name:      "await_total",
        Help:      "Await outcomes by kind",
    }, []string{"outcome"})
    QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "queue",
        Name:      "depth",
        Help:      "Unconsumed entries seen by the coordinator",
    })

    // Coordinator
    CoordinatorApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "coordinator",
        Name:      "applied_total",
        Help:      "Queue entries applied by operation and result",
    }, []string{"operation", "result"})
    CoordinatorResultsPurged = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "coordinator",
        Name:      "results_purged_total",
        Help:      "Result nodes removed by the TTL sweep",
    })

    // Recovery
    RecoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "recovery",
        Name:      "attempts_total",
        Help:      "Recovery attempts by strategy and result",
    }, []string{"strategy", "result"})
    FullRecoveryServed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "recovery",
        Name:      "full_served_total",
        Help:      "Snapshot (full recovery) requests served, per serving core",
    }, []string{"core"})
    PeerSyncServed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "recovery",
        Name:      "peersync_served_total",
        Help:      "Update log tail requests served, per serving core",
    }, []string{"core"})

    // Updates
    UpdatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "update",
        Name:      "applied_total",
        Help:      "Updates applied locally per core",
    }, []string{"core"})
    UpdatesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "update",
        Name:      "forwarded_total",
        Help:      "Leader to replica update forwards by result",
    }, []string{"result"})
    ReplicasDemoted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "update",
        Name:      "replicas_demoted_total",
        Help:      "Replicas marked down by a leader after a failed forward",
    }, []string{"core"})

    // Connection layer
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
    HTTPRetries = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "http",
        Name:      "retries_total",
        Help:      "Outbound HTTP requests retried after a transient failure",
    })
    HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "http",
        Name:      "in_flight",
        Help:      "Outbound HTTP requests holding a global connection slot",
    })
    ExecutorTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "executor",
        Name:      "tasks_total",
        Help:      "Tasks run per pool and result",
    }, []string{"pool", "result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsCoordinator)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(LiveNodes)
        prometheus.MustRegister(QueueEnqueued)
        prometheus.MustRegister(QueueAwait)
        prometheus.MustRegister(QueueDepth)
        prometheus.MustRegister(CoordinatorApplied)
        prometheus.MustRegister(CoordinatorResultsPurged)
        prometheus.MustRegister(RecoveryAttempts)
        prometheus.MustRegister(FullRecoveryServed)
        prometheus.MustRegister(PeerSyncServed)
        prometheus.MustRegister(UpdatesApplied)
        prometheus.MustRegister(UpdatesForwarded)
        prometheus.MustRegister(ReplicasDemoted)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(HTTPRetries)
        prometheus.MustRegister(HTTPInFlight)
        prometheus.MustRegister(ExecutorTasks)
    })
}
