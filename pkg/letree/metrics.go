package letree

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics holds the operation counters. The counters always exist
// so the hot paths never nil-check; they are only registered when the
// caller provides a registerer in [Options.Metrics].
type storeMetrics struct {
	puts    prometheus.Counter
	gets    prometheus.Counter
	updates prometheus.Counter
	deletes prometheus.Counter
	scans   prometheus.Counter

	bucketSplits prometheus.Counter
	groupExpands prometheus.Counter
	treeExpands  prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) (*storeMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letree",
			Name:      name,
			Help:      help,
		})
	}

	m := &storeMetrics{
		puts:         counter("puts_total", "Put operations."),
		gets:         counter("gets_total", "Get operations."),
		updates:      counter("updates_total", "Update operations."),
		deletes:      counter("deletes_total", "Delete operations."),
		scans:        counter("scans_total", "Scan operations."),
		bucketSplits: counter("bucket_splits_total", "Bucket splits."),
		groupExpands: counter("group_expands_total", "Learned-group rebuilds."),
		treeExpands:  counter("tree_expands_total", "Root rebuilds."),
	}

	if reg != nil {
		for _, c := range []prometheus.Counter{
			m.puts, m.gets, m.updates, m.deletes, m.scans,
			m.bucketSplits, m.groupExpands, m.treeExpands,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}
