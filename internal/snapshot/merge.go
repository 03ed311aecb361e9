package snapshot

// Merge folds a worker partial into the canonical snapshot.
//
// Each category the partial carries overwrites canonical, an empty present
// list included. The frame buffer and its version move together and only
// forward. Timings accumulate by label, once per (source, frame version), so
// merging the same partial twice leaves canonical unchanged.
func (s *Snapshot) Merge(in *Snapshot) {
	if in == nil {
		return
	}
	if s.Timings == nil {
		s.Timings = make(map[string]Timing)
	}
	if s.LastMerged == nil {
		s.LastMerged = make(map[string]uint64)
	}

	if in.FrameVersion != 0 && in.FrameVersion >= s.FrameVersion {
		s.Frame = in.Frame
		s.FrameVersion = in.FrameVersion
		s.Width = in.Width
		s.Height = in.Height
		s.CreatedAt = in.CreatedAt
	}

	if in.TrafficSigns.Present {
		s.TrafficSigns = in.TrafficSigns
	}
	if in.TrafficLights.Present {
		s.TrafficLights = in.TrafficLights
	}
	if in.Pedestrians.Present {
		s.Pedestrians = in.Pedestrians
	}
	if in.StopLines.Present {
		s.StopLines = in.StopLines
	}
	if in.Lanes != nil {
		s.Lanes = in.Lanes
	}
	if in.HeadingError != nil {
		s.HeadingError = in.HeadingError
	}
	if in.LateralOffset != nil {
		s.LateralOffset = in.LateralOffset
	}
	if in.Directive != "" {
		s.Directive = in.Directive
	}

	prev, seen := s.LastMerged[in.Source]
	if !seen || in.FrameVersion > prev {
		for label, t := range in.Timings {
			acc := s.Timings[label]
			acc.Total += t.Total
			acc.Count += t.Count
			s.Timings[label] = acc
		}
		s.LastMerged[in.Source] = in.FrameVersion
	}

	if in.Source != "" {
		s.Source = in.Source
	}
}
