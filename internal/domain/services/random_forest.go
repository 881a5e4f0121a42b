package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/pkg/logger"
)

// leafChild marks a node without children in an exported tree
const leafChild = -1

// ForestModel is the JSON export of a trained binary random forest.
// Node values are the class-1 probability observed at that node during
// training, which is what path attribution needs.
type ForestModel struct {
	Version      string     `json:"version"`
	FeatureNames []string   `json:"feature_names"`
	Trees        []TreeSpec `json:"trees"`
}

// TreeSpec is one exported tree in node-array form; index 0 is the root
type TreeSpec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// NodeSpec is one exported node. Leaves have Left and Right set to -1.
type NodeSpec struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// RandomForest is an inference-only tree ensemble. It is immutable after
// construction and safe for concurrent use.
type RandomForest struct {
	version      string
	featureNames []string
	trees        []*decisionTree
	bias         float64
	logger       *logger.Logger
}

type decisionTree struct {
	root *dtNode
}

type dtNode struct {
	feature     int     // Feature index for split
	threshold   float64 // Split threshold
	left        *dtNode // Left child (feature <= threshold)
	right       *dtNode // Right child (feature > threshold)
	isLeaf      bool
	probability float64 // Class-1 probability at this node
}

// NewRandomForest validates an exported model and builds the ensemble
func NewRandomForest(model ForestModel, log *logger.Logger) (*RandomForest, error) {
	if len(model.FeatureNames) == 0 {
		return nil, errors.New("model has no feature names")
	}
	if !sort.StringsAreSorted(model.FeatureNames) {
		return nil, errors.New("model feature names must be sorted")
	}
	if len(model.Trees) == 0 {
		return nil, errors.New("model has no trees")
	}

	rf := &RandomForest{
		version:      model.Version,
		featureNames: append([]string(nil), model.FeatureNames...),
		trees:        make([]*decisionTree, 0, len(model.Trees)),
		logger:       log.WithComponent("random-forest"),
	}

	for i, spec := range model.Trees {
		root, err := buildTree(spec, len(model.FeatureNames))
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		rf.trees = append(rf.trees, &decisionTree{root: root})
		rf.bias += root.probability
	}
	rf.bias /= float64(len(rf.trees))

	return rf, nil
}

// buildTree links a node array into a tree. Children must come after their
// parent, which rules out cycles.
func buildTree(spec TreeSpec, numFeatures int) (*dtNode, error) {
	if len(spec.Nodes) == 0 {
		return nil, errors.New("empty tree")
	}

	nodes := make([]*dtNode, len(spec.Nodes))
	for i, n := range spec.Nodes {
		if n.Value < 0 || n.Value > 1 {
			return nil, fmt.Errorf("node %d: value %v outside [0,1]", i, n.Value)
		}
		nodes[i] = &dtNode{
			feature:     n.Feature,
			threshold:   n.Threshold,
			isLeaf:      n.Left == leafChild && n.Right == leafChild,
			probability: n.Value,
		}
	}

	for i, n := range spec.Nodes {
		if nodes[i].isLeaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return nil, fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Left >= len(nodes) || n.Right <= i || n.Right >= len(nodes) {
			return nil, fmt.Errorf("node %d: invalid children %d/%d", i, n.Left, n.Right)
		}
		nodes[i].left = nodes[n.Left]
		nodes[i].right = nodes[n.Right]
	}

	return nodes[0], nil
}

// LoadForestModel decodes an exported model
func LoadForestModel(r io.Reader) (ForestModel, error) {
	var model ForestModel
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&model); err != nil {
		return ForestModel{}, fmt.Errorf("decode model: %w", err)
	}
	return model, nil
}

// LoadModelState loads the model at path. Any failure yields Unavailable so
// the engine keeps working on heuristics alone.
func LoadModelState(path string, log *logger.Logger) ModelState {
	l := log.WithComponent("model-loader")

	if path == "" {
		return Unavailable{Reason: "no model path configured"}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.Info().Str("path", path).Msg("model file not found, ML second opinion disabled")
			return Unavailable{Reason: "model file not found"}
		}
		l.Warn().Err(err).Str("path", path).Msg("failed to open model")
		return Unavailable{Reason: err.Error()}
	}
	defer f.Close()

	model, err := LoadForestModel(f)
	if err != nil {
		l.Warn().Err(err).Str("path", path).Msg("failed to decode model")
		return Unavailable{Reason: err.Error()}
	}

	rf, err := NewRandomForest(model, log)
	if err != nil {
		l.Warn().Err(err).Str("path", path).Msg("invalid model")
		return Unavailable{Reason: err.Error()}
	}

	l.Info().
		Str("path", path).
		Str("version", rf.version).
		Int("trees", len(rf.trees)).
		Strs("features", rf.featureNames).
		Msg("model loaded")

	return Loaded{Scorer: rf, Explainer: rf, Version: rf.version}
}

// FeatureNames returns the features the model was trained on, sorted
func (rf *RandomForest) FeatureNames() []string {
	return append([]string(nil), rf.featureNames...)
}

// PredictProba returns the mean class-1 probability over all trees
func (rf *RandomForest) PredictProba(_ context.Context, features models.FeatureVector) (float64, error) {
	point, err := rf.point(features)
	if err != nil {
		return 0, err
	}

	sum := 0.0
	for _, tree := range rf.trees {
		sum += treePredictProba(tree.root, point)
	}
	return sum / float64(len(rf.trees)), nil
}

// Attribute decomposes the prediction into per-feature contributions by
// crediting each split with the change in node probability along the decision
// path, averaged over trees. Contributions sum to prediction minus bias.
func (rf *RandomForest) Attribute(_ context.Context, features models.FeatureVector) (models.Attribution, error) {
	point, err := rf.point(features)
	if err != nil {
		return nil, err
	}

	contrib := make([]float64, len(rf.featureNames))
	for _, tree := range rf.trees {
		node := tree.root
		for !node.isLeaf {
			next := node.right
			if point[node.feature] <= node.threshold {
				next = node.left
			}
			contrib[node.feature] += next.probability - node.probability
			node = next
		}
	}

	attribution := make(models.Attribution, len(rf.featureNames))
	n := float64(len(rf.trees))
	for i, name := range rf.featureNames {
		attribution[name] = contrib[i] / n
	}
	return attribution, nil
}

// Bias is the mean root probability, the prediction before any split
func (rf *RandomForest) Bias() float64 {
	return rf.bias
}

func (rf *RandomForest) point(features models.FeatureVector) ([]float64, error) {
	point := make([]float64, len(rf.featureNames))
	for i, name := range rf.featureNames {
		v, ok := features[name]
		if !ok {
			return nil, fmt.Errorf("missing feature %q", name)
		}
		point[i] = v
	}
	return point, nil
}

func treePredictProba(node *dtNode, point []float64) float64 {
	for !node.isLeaf {
		if point[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.probability
}
