package mode

import (
	"fmt"
	"os"
)

// Output couples a connected connector with a free CRTC and the
// connector's preferred mode. Probe is a convenience for tools and
// backends that want a working starting configuration without policy.
type Output struct {
	Connector uint32
	Crtc      uint32
	Mode      Info

	Width, Height uint16
}

// Probe enumerates connected connectors and assigns each a CRTC,
// preferring the CRTC the connector's current encoder already drives.
func Probe(file *os.File) ([]Output, error) {
	res, err := GetResources(file)
	if err != nil {
		return nil, fmt.Errorf("cannot retrieve resources: %w", err)
	}

	var outputs []Output
	for _, connid := range res.Connectors {
		conn, err := GetConnector(file, connid)
		if err != nil {
			return nil, fmt.Errorf("cannot retrieve connector %d: %w", connid, err)
		}

		if conn.Connection != Connected || len(conn.Modes) == 0 {
			continue
		}

		crtc, err := findCrtc(file, res, conn, outputs)
		if err != nil {
			return nil, err
		}
		if crtc == 0 {
			continue
		}

		m := conn.PreferredMode()
		outputs = append(outputs, Output{
			Connector: conn.ID,
			Crtc:      crtc,
			Mode:      *m,
			Width:     m.Hdisplay,
			Height:    m.Vdisplay,
		})
	}

	return outputs, nil
}

// findCrtc picks a CRTC for conn that no earlier output claimed. The
// CRTC already driven by the connector's encoder wins; otherwise every
// encoder's possible-CRTC bitmask is searched.
func findCrtc(file *os.File, res *Resources, conn *Connector, taken []Output) (uint32, error) {
	if conn.EncoderID != 0 {
		encoder, err := GetEncoder(file, conn.EncoderID)
		if err != nil {
			return 0, fmt.Errorf("cannot retrieve encoder %d: %w", conn.EncoderID, err)
		}
		if encoder.CrtcID != 0 && !crtcTaken(encoder.CrtcID, taken) {
			return encoder.CrtcID, nil
		}
	}

	// The connector is not bound to an encoder, or the encoder's CRTC
	// is claimed already. Search all encoders for a compatible one.
	for _, encid := range conn.Encoders {
		encoder, err := GetEncoder(file, encid)
		if err != nil {
			return 0, fmt.Errorf("cannot retrieve encoder %d: %w", encid, err)
		}
		for j, crtcid := range res.Crtcs {
			if encoder.PossibleCrtcs&(1<<uint(j)) == 0 {
				continue
			}
			if !crtcTaken(crtcid, taken) {
				return crtcid, nil
			}
		}
	}

	return 0, nil
}

func crtcTaken(crtcid uint32, taken []Output) bool {
	for i := range taken {
		if taken[i].Crtc == crtcid {
			return true
		}
	}
	return false
}
