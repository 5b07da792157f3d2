package anomaly

import "encoding/json"

// Wire form for snapshot persistence. Trees are stored fully expanded
// so a loaded forest scores identically to the one that was trained.

type wireForest struct {
	NumTrees      int         `json:"num_trees"`
	SubsampleSize int         `json:"subsample_size"`
	MaxDepth      int         `json:"max_depth"`
	Seed          int64       `json:"seed"`
	Trees         []*wireNode `json:"trees"`
}

type wireNode struct {
	FeatureIndex int       `json:"f"`
	SplitValue   float64   `json:"s"`
	Size         int       `json:"n"`
	Left         *wireNode `json:"l,omitempty"`
	Right        *wireNode `json:"r,omitempty"`
}

func (f *Forest) MarshalJSON() ([]byte, error) {
	w := wireForest{
		NumTrees:      f.numTrees,
		SubsampleSize: f.subsampleSize,
		MaxDepth:      f.maxDepth,
		Seed:          f.seed,
		Trees:         make([]*wireNode, len(f.trees)),
	}
	for i, t := range f.trees {
		w.Trees[i] = toWire(t)
	}
	return json.Marshal(w)
}

func (f *Forest) UnmarshalJSON(data []byte) error {
	var w wireForest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.numTrees = w.NumTrees
	f.subsampleSize = w.SubsampleSize
	f.maxDepth = w.MaxDepth
	f.seed = w.Seed
	f.trees = make([]*treeNode, len(w.Trees))
	for i, t := range w.Trees {
		f.trees[i] = fromWire(t)
	}
	return nil
}

func toWire(n *treeNode) *wireNode {
	if n == nil {
		return nil
	}
	return &wireNode{
		FeatureIndex: n.featureIndex,
		SplitValue:   n.splitValue,
		Size:         n.size,
		Left:         toWire(n.left),
		Right:        toWire(n.right),
	}
}

func fromWire(n *wireNode) *treeNode {
	if n == nil {
		return nil
	}
	return &treeNode{
		featureIndex: n.FeatureIndex,
		splitValue:   n.SplitValue,
		size:         n.Size,
		left:         fromWire(n.Left),
		right:        fromWire(n.Right),
	}
}
