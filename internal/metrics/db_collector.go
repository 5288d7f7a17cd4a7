package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc reports pool connection counts without making this
// package import pgxpool.
type DBPoolStatFunc func() (total, idle, acquired int32)

// dbPoolCollector samples pgx pool statistics at scrape time and
// exposes them as gauges.
type dbPoolCollector struct {
	stat  DBPoolStatFunc
	descs [3]*prometheus.Desc
}

// NewDBPoolCollector creates a collector over the given stat function.
func NewDBPoolCollector(stat DBPoolStatFunc) prometheus.Collector {
	gauges := [3]struct{ name, help string }{
		{"gabelle_db_pool_total_conns", "Total number of connections in the DB pool."},
		{"gabelle_db_pool_idle_conns", "Number of idle connections in the DB pool."},
		{"gabelle_db_pool_acquired_conns", "Number of acquired connections in the DB pool."},
	}

	c := &dbPoolCollector{stat: stat}
	for i, g := range gauges {
		c.descs[i] = prometheus.NewDesc(g.name, g.help, nil, nil)
	}
	return c
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.stat()
	for i, v := range [3]int32{total, idle, acquired} {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.GaugeValue, float64(v))
	}
}
