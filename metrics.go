package atsc3

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"m7s.live/atsc3/pkg/fmp4"
	"m7s.live/atsc3/pkg/mmtp"
)

const (
	dropSize      = "size"
	dropVersion   = "version"
	dropHeader    = "header"
	dropPacketID  = string(mmtp.DropPacketID)
	dropPayload   = "payload"
	dropMetadata  = string(mmtp.DropNoMetadata)
	dropQueueFull = "queue_full"
)

var dropReasons = [...]string{dropSize, dropVersion, dropHeader, dropPacketID, dropPayload, dropMetadata, dropQueueFull}

var payloadTypeNames = map[uint8]string{
	mmtp.PayloadTypeGenericObj:   "generic_object",
	mmtp.PayloadTypeSignalling:   "signalling",
	mmtp.PayloadTypeRepairSymbol: "repair_symbol",
}

type trackStats struct {
	category string
	samples  uint64
}

type stats struct {
	packets, mfus, mpus, mpuBytes atomic.Uint64
	drops                         map[string]*atomic.Uint64
	skipped                       map[string]*atomic.Uint64
	mu                            sync.Mutex
	tracks                        map[uint32]*trackStats
}

func (st *stats) init() {
	st.drops = make(map[string]*atomic.Uint64, len(dropReasons))
	for _, reason := range dropReasons {
		st.drops[reason] = new(atomic.Uint64)
	}
	st.skipped = map[string]*atomic.Uint64{"other": new(atomic.Uint64)}
	for _, name := range payloadTypeNames {
		st.skipped[name] = new(atomic.Uint64)
	}
	st.tracks = make(map[uint32]*trackStats)
}

func (st *stats) skip(payloadType uint8) {
	name, ok := payloadTypeNames[payloadType]
	if !ok {
		name = "other"
	}
	st.skipped[name].Add(1)
}

func (st *stats) sample(t *fmp4.Track) {
	st.mu.Lock()
	ts, ok := st.tracks[t.ID]
	if !ok {
		ts = &trackStats{category: t.Category.String()}
		st.tracks[t.ID] = ts
	}
	ts.samples++
	st.mu.Unlock()
}

func (s *Session) drop(reason string) {
	if c, ok := s.stats.drops[reason]; ok {
		c.Add(1)
	}
}

// Dropped returns the drop count for one reason.
func (s *Session) Dropped(reason string) uint64 {
	if c, ok := s.stats.drops[reason]; ok {
		return c.Load()
	}
	return 0
}

type prometheusDesc struct {
	Packets, MFUs, MPUs, MPUBytes, Dropped, Skipped *prometheus.Desc
	QueueBytes, Ready, PCR, Samples                 *prometheus.Desc
}

func (d *prometheusDesc) init(session string) {
	labels := prometheus.Labels{"session": session}
	d.Packets = prometheus.NewDesc("atsc3_packets_total", "Datagrams received", nil, labels)
	d.MFUs = prometheus.NewDesc("atsc3_mfus_total", "MPU data units parsed", nil, labels)
	d.MPUs = prometheus.NewDesc("atsc3_mpus_total", "Reassembled MPUs queued for the demuxer", nil, labels)
	d.MPUBytes = prometheus.NewDesc("atsc3_mpu_bytes_total", "Bytes of reassembled MPUs", nil, labels)
	d.Dropped = prometheus.NewDesc("atsc3_dropped_total", "Datagrams or data units dropped", []string{"reason"}, labels)
	d.Skipped = prometheus.NewDesc("atsc3_skipped_total", "Packets of payload types other than MPU", []string{"payloadType"}, labels)
	d.QueueBytes = prometheus.NewDesc("atsc3_queue_bytes", "Bytes waiting in the bridge", nil, labels)
	d.Ready = prometheus.NewDesc("atsc3_ready", "1 once the moov has been parsed", nil, labels)
	d.PCR = prometheus.NewDesc("atsc3_pcr_seconds", "Presentation clock reference", nil, labels)
	d.Samples = prometheus.NewDesc("atsc3_samples_total", "Samples emitted", []string{"track", "category"}, labels)
}

func (s *Session) Describe(ch chan<- *prometheus.Desc) {
	desc := &s.desc
	ch <- desc.Packets
	ch <- desc.MFUs
	ch <- desc.MPUs
	ch <- desc.MPUBytes
	ch <- desc.Dropped
	ch <- desc.Skipped
	ch <- desc.QueueBytes
	ch <- desc.Ready
	ch <- desc.PCR
	ch <- desc.Samples
}

func (s *Session) Collect(ch chan<- prometheus.Metric) {
	desc, st := &s.desc, &s.stats
	ch <- prometheus.MustNewConstMetric(desc.Packets, prometheus.CounterValue, float64(st.packets.Load()))
	ch <- prometheus.MustNewConstMetric(desc.MFUs, prometheus.CounterValue, float64(st.mfus.Load()))
	ch <- prometheus.MustNewConstMetric(desc.MPUs, prometheus.CounterValue, float64(st.mpus.Load()))
	ch <- prometheus.MustNewConstMetric(desc.MPUBytes, prometheus.CounterValue, float64(st.mpuBytes.Load()))
	for reason, c := range st.drops {
		ch <- prometheus.MustNewConstMetric(desc.Dropped, prometheus.CounterValue, float64(c.Load()), reason)
	}
	for name, c := range st.skipped {
		ch <- prometheus.MustNewConstMetric(desc.Skipped, prometheus.CounterValue, float64(c.Load()), name)
	}
	ch <- prometheus.MustNewConstMetric(desc.QueueBytes, prometheus.GaugeValue, float64(s.bridge.Size()))
	var ready float64
	if s.Ready() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(desc.Ready, prometheus.GaugeValue, ready)
	if pcr := s.PCR(); pcr != fmp4.NoTimestamp {
		ch <- prometheus.MustNewConstMetric(desc.PCR, prometheus.GaugeValue, pcr.Seconds())
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, ts := range st.tracks {
		ch <- prometheus.MustNewConstMetric(desc.Samples, prometheus.CounterValue, float64(ts.samples), strconv.FormatUint(uint64(id), 10), ts.category)
	}
}
