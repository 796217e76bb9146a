package quantization

import (
	"encoding/binary"
	"math"
	"math/rand"
)

// ProductQuantizer splits a vector into m aligned sub-vectors and replaces
// each with the id of its nearest centroid in a per-subspace codebook of
// k = 2^b entries, trained independently by k-means.
type ProductQuantizer struct {
	M         int // number of subspaces
	K         int // centroids per subspace (2^b)
	D         int // original dimension
	SubDim    int // D/M
	Codebooks [][][]float32
	Trained   bool
	TrainSize int
}

// NewProductQuantizer validates d%m==0 and k<=256 (one byte per code).
func NewProductQuantizer(dimension, numSubspaces, numCentroids int) (*ProductQuantizer, error) {
	if numSubspaces <= 0 || dimension%numSubspaces != 0 {
		return nil, ErrInvalidParameter
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, ErrInvalidParameter
	}
	return &ProductQuantizer{
		M:         numSubspaces,
		K:         numCentroids,
		D:         dimension,
		SubDim:    dimension / numSubspaces,
		Codebooks: make([][][]float32, numSubspaces),
	}, nil
}

// Train runs Lloyd k-means independently per subspace, for up to 20
// iterations or until no assignment changes.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) < pq.K*pq.M {
		return ErrEmptyTrainingSet
	}
	pq.TrainSize = len(vectors)
	for m := 0; m < pq.M; m++ {
		subvectors := make([][]float32, len(vectors))
		start := m * pq.SubDim
		end := start + pq.SubDim
		for i, vec := range vectors {
			if len(vec) != pq.D {
				return ErrDimensionMismatch
			}
			subvectors[i] = vec[start:end]
		}
		centroids, err := kMeans(subvectors, pq.K, 20)
		if err != nil {
			return err
		}
		pq.Codebooks[m] = centroids
	}
	pq.Trained = true
	return nil
}

// Encode picks, for each sub-vector, the centroid minimizing squared
// distance, emitting an m-byte code.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.Trained {
		return nil, ErrNotTrained
	}
	if len(vector) != pq.D {
		return nil, ErrDimensionMismatch
	}
	codes := make([]byte, pq.M)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		subvec := vector[start : start+pq.SubDim]
		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < pq.K; k++ {
			dist := euclideanDistance(subvec, pq.Codebooks[m][k])
			if dist < minDist {
				minDist = dist
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

// Decode concatenates the selected centroids back into a full-length vector.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.Trained {
		return nil, ErrNotTrained
	}
	if len(codes) != pq.M {
		return nil, ErrDimensionMismatch
	}
	vector := make([]float32, pq.D)
	for m := 0; m < pq.M; m++ {
		idx := int(codes[m])
		if idx >= pq.K {
			return nil, ErrDimensionMismatch
		}
		copy(vector[m*pq.SubDim:(m+1)*pq.SubDim], pq.Codebooks[m][idx])
	}
	return vector, nil
}

// AsymmetricDistance sums squared distances between query sub-vectors and
// the codes' chosen centroids, returning the square root of the sum.
func (pq *ProductQuantizer) AsymmetricDistance(query []float32, codes []byte) (float64, error) {
	if !pq.Trained {
		return 0, ErrNotTrained
	}
	if len(query) != pq.D || len(codes) != pq.M {
		return 0, ErrDimensionMismatch
	}
	table := pq.computeDistanceTable(query)
	var total float64
	for m := 0; m < pq.M; m++ {
		d := float64(table[m][codes[m]])
		total += d * d
	}
	return math.Sqrt(total), nil
}

func (pq *ProductQuantizer) computeDistanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		table[m] = make([]float32, pq.K)
		start := m * pq.SubDim
		subquery := query[start : start+pq.SubDim]
		for k := 0; k < pq.K; k++ {
			table[m][k] = euclideanDistance(subquery, pq.Codebooks[m][k])
		}
	}
	return table
}

// CompressionRatio returns 4d / (m*ceil(b/8)); b<=8 here so ceil(b/8)==1.
func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.D*4) / float32(pq.M)
}

// SerializeCodebooks writes the codebooks as a flat little-endian buffer:
// M, K, D, SubDim headers followed by the raw float32 centroid data.
func (pq *ProductQuantizer) SerializeCodebooks() []byte {
	if !pq.Trained {
		return nil
	}
	size := 16 + pq.M*pq.K*pq.SubDim*4
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(pq.M))
	binary.LittleEndian.PutUint32(buf[4:], uint32(pq.K))
	binary.LittleEndian.PutUint32(buf[8:], uint32(pq.D))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pq.SubDim))
	offset := 16
	for m := 0; m < pq.M; m++ {
		for k := 0; k < pq.K; k++ {
			for d := 0; d < pq.SubDim; d++ {
				binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(pq.Codebooks[m][k][d]))
				offset += 4
			}
		}
	}
	return buf
}

// DeserializeCodebooks loads codebooks previously produced by SerializeCodebooks.
func (pq *ProductQuantizer) DeserializeCodebooks(data []byte) error {
	if len(data) < 16 {
		return ErrDimensionMismatch
	}
	pq.M = int(binary.LittleEndian.Uint32(data[0:]))
	pq.K = int(binary.LittleEndian.Uint32(data[4:]))
	pq.D = int(binary.LittleEndian.Uint32(data[8:]))
	pq.SubDim = int(binary.LittleEndian.Uint32(data[12:]))
	pq.Codebooks = make([][][]float32, pq.M)
	offset := 16
	for m := 0; m < pq.M; m++ {
		pq.Codebooks[m] = make([][]float32, pq.K)
		for k := 0; k < pq.K; k++ {
			pq.Codebooks[m][k] = make([]float32, pq.SubDim)
			for d := 0; d < pq.SubDim; d++ {
				pq.Codebooks[m][k][d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
				offset += 4
			}
		}
	}
	pq.Trained = true
	return nil
}

func kMeans(vectors [][]float32, k int, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, ErrEmptyTrainingSet
	}
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	perm := rand.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[perm[i]])
	}
	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, centroid := range centroids {
				dist := euclideanDistance(vec, centroid)
				if dist < minDist {
					minDist = dist
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed && iter > 0 {
			break
		}
		counts := make([]int, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j := 0; j < dim; j++ {
				centroids[cluster][j] += vec[j]
			}
		}
		for i := range centroids {
			if counts[i] > 0 {
				for j := 0; j < dim; j++ {
					centroids[i][j] /= float32(counts[i])
				}
			}
		}
	}
	return centroids, nil
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}
